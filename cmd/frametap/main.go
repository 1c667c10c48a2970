// The frametap command is a standalone diagnostic tool: it sniffs a live
// device and decodes the gateway package's generic length-prefixed frame
// header for TCP traffic on a configured port, without needing to run the
// server itself.
package main

import (
	"fmt"
	"math"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/spf13/pflag"

	"github.com/Kizuno18/canary/internal/gateway"
)

var (
	device = pflag.StringP("device", "d", "en0", "Device on which to listen for packets")
	port   = pflag.IntP("port", "p", 0, "TCP port whose payload should be decoded as a gateway frame; 0 means any port")
)

func main() {
	pflag.Parse()

	deviceIP := getDeviceIP()
	if deviceIP == "" {
		exit("invalid device: %s", *device)
	}

	handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		exit("error opening handle: %v", err)
	}
	if *port != 0 {
		_ = handle.SetBPFFilter(fmt.Sprintf("tcp and port %d", *port))
	} else {
		_ = handle.SetBPFFilter("tcp")
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range packetSource.Packets() {
		decodeFrame(packet)
	}
}

func decodeFrame(packet gopacket.Packet) {
	tcpLayer, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return
	}
	payload := tcpLayer.Payload
	if len(payload) < gateway.HeaderLength {
		return
	}

	size, err := gateway.DecodeHeader(payload[:gateway.HeaderLength])
	if err != nil {
		fmt.Printf("%v -> %v: invalid frame header: %v\n",
			tcpLayer.SrcPort, tcpLayer.DstPort, err)
		return
	}

	body := payload[gateway.HeaderLength:]
	fmt.Printf("%v -> %v: body_len=%d captured=%d\n", tcpLayer.SrcPort, tcpLayer.DstPort, size, len(body))
}

func exit(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func getDeviceIP() string {
	devs, _ := pcap.FindAllDevs()
	for _, dev := range devs {
		if dev.Name == *device {
			for _, address := range dev.Addresses {
				return address.IP.String()
			}
		}
	}
	return ""
}
