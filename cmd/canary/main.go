// The canary command is the entrypoint for running the connection
// acceptance and framing core as a standalone listener. It loads
// configuration and opens one ServicePort per configured port; since the
// protocol handler and service registry are external collaborators this
// package only knows about by interface, no ProtocolFactory is registered
// here — an embedding application wires gateway.ServicePort.AddService
// itself before calling gateway.ServiceManager.Run.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Kizuno18/canary/internal/admission"
	"github.com/Kizuno18/canary/internal/core"
	"github.com/Kizuno18/canary/internal/core/debug"
	"github.com/Kizuno18/canary/internal/gateway"
)

var configFlag = pflag.String("config", "./", "Path to the directory containing the server config file")

func main() {
	pflag.Parse()

	fmt.Println("canary gateway, connection acceptance and framing core")

	config := core.LoadConfig(*configFlag)
	fmt.Println("using configuration file:", *configFlag)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(*configFlag); err != nil {
		fmt.Println("error changing to config directory:", err)
		os.Exit(1)
	}

	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}

	if config.Debugging.PprofEnabled {
		debug.StartPprofServer(logger, config.Debugging.PprofPort)
	}

	// Reactor workers run deferred lifecycle hooks and, on the write path,
	// blocking conn.Write calls; one worker per CPU keeps a slow peer from
	// serializing every other connection's writes behind it.
	manager := gateway.NewServiceManager(runtime.NumCPU(), logger)
	manager.Run()

	connCfg := gateway.ConnectionConfig{
		ServerName:          config.ServerName,
		MaxPacketsPerSecond: config.MaxPacketsPerSecond,
		ReadTimeoutSeconds:  config.ReadTimeoutSeconds,
		WriteTimeoutSeconds: config.WriteTimeoutSeconds,
	}
	bans := admission.NewBanList()

	for _, port := range config.Ports {
		port := port
		manager.AddAcceptor(port, config.BindAddress, bans, connCfg, nil)
		logger.Infof("listening on port %d", port)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	exitHandler(logger, manager, sig)
}

func exitHandler(logger *logrus.Logger, manager *gateway.ServiceManager, sig chan os.Signal) {
	<-sig
	logger.Infof("waiting to shut down gracefully...")

	done := manager.Stop()

	select {
	case <-sig:
		logger.Infof("hard exiting (killed)")
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Infof("shutdown grace period expired, exiting")
	}

	os.Exit(0)
}
