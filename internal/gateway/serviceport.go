package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// bindFailureRetry is how long ServicePort waits before retrying a failed
// bind.
const bindFailureRetry = 15 * time.Second

// ServicePort owns one listening socket, an ordered list of ProtocolFactory
// and the accept/rebind supervision loop. It also performs the admission
// check and first-frame protocol selection.
type ServicePort struct {
	port     int
	bindAddr func(port int) string

	registry  *ConnectionRegistry
	reactor   *Reactor
	dispatch  Dispatcher
	admission AdmissionService
	logger    *logrus.Logger
	connCfg   ConnectionConfig

	mu       sync.Mutex
	services []ProtocolFactory
	listener *net.TCPListener
	pending  bool
	stopped  bool
}

// NewServicePort constructs a ServicePort bound to the given port.
// bindAddr resolves a port to a listen address (honoring
// BIND_ONLY_GLOBAL_ADDRESS); see Config.BindAddress.
func NewServicePort(port int, bindAddr func(int) string, registry *ConnectionRegistry, reactor *Reactor, dispatch Dispatcher, admission AdmissionService, logger *logrus.Logger, connCfg ConnectionConfig) *ServicePort {
	return &ServicePort{
		port:      port,
		bindAddr:  bindAddr,
		registry:  registry,
		reactor:   reactor,
		dispatch:  dispatch,
		admission: admission,
		logger:    logger,
		connCfg:   connCfg,
	}
}

// AddService appends a factory. It rejects a second single-socket factory,
// and rejects adding a single-socket factory once any factory is present,
// preserving the invariant that a single-socket service is always alone.
func (sp *ServicePort) AddService(factory ProtocolFactory) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	for _, svc := range sp.services {
		if svc.IsSingleSocket() {
			return false
		}
	}
	if factory.IsSingleSocket() && len(sp.services) > 0 {
		return false
	}

	sp.services = append(sp.services, factory)
	return true
}

func (sp *ServicePort) isSingleSocket() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.services) > 0 && sp.services[0].IsSingleSocket()
}

// Open binds the listening socket and starts the accept loop. On bind
// failure it arms a 15-second retry timer and retries by calling Open
// again.
func (sp *ServicePort) Open() {
	sp.Close()

	sp.mu.Lock()
	sp.pending = false
	sp.mu.Unlock()

	addr, err := net.ResolveTCPAddr("tcp", sp.bindAddr(sp.port))
	if err != nil {
		sp.scheduleRebind(err)
		return
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		sp.scheduleRebind(err)
		return
	}

	sp.mu.Lock()
	sp.listener = listener
	sp.mu.Unlock()

	go sp.acceptLoop(listener)
}

func (sp *ServicePort) scheduleRebind(err error) {
	sp.logger.Warnf("gateway: failed to bind port %d: %v", sp.port, err)

	sp.mu.Lock()
	sp.pending = true
	sp.mu.Unlock()

	time.AfterFunc(bindFailureRetry, sp.Open)
}

// acceptLoop accepts connections until the listener closes. An accept error
// that did not come from Close, Open or OnStopServer replacing the listener
// triggers the READ_TIMEOUT-second rebind path: the listener is torn down
// and Open is retried on the same port.
func (sp *ServicePort) acceptLoop(listener *net.TCPListener) {
	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			sp.mu.Lock()
			stopped := sp.stopped
			pending := sp.pending
			replaced := sp.listener != listener
			sp.mu.Unlock()

			if stopped || replaced {
				return
			}
			if !pending {
				sp.logger.Warnf("gateway: accept error on port %d: %v", sp.port, err)
				sp.Close()

				sp.mu.Lock()
				sp.pending = true
				sp.mu.Unlock()

				time.AfterFunc(time.Duration(sp.connCfg.ReadTimeoutSeconds)*time.Second, sp.Open)
			}
			return
		}

		_ = conn.SetNoDelay(true)
		sp.onAccept(conn)
	}
}

func (sp *ServicePort) onAccept(conn *net.TCPConn) {
	c := NewConnection(conn, sp, sp.registry, sp.reactor, sp.dispatch, sp.logger, sp.connCfg)

	remoteIP := c.IP()
	if remoteIP != 0 && sp.admission != nil && !sp.admission.AcceptConnection(context.Background(), remoteIP) {
		c.Close(true)
		return
	}

	if sp.isSingleSocket() {
		sp.mu.Lock()
		factory := sp.services[0]
		sp.mu.Unlock()
		c.Accept(factory.MakeProtocol(c))
	} else {
		c.AcceptMultiplexed()
	}
}

// MakeProtocol implements the factory-matching algorithm for multi-socket
// ServicePorts: the first body byte is the protocol identifier; it must
// match a registered factory whose checksummed-ness agrees with checksumOK.
// MakeProtocol consumes that one byte from msg regardless of outcome.
func (sp *ServicePort) MakeProtocol(checksumOK bool, msg *InboundMessage, conn *Connection) Protocol {
	if msg.Len() == 0 {
		return nil
	}
	protocolID := msg.GetByte()

	sp.mu.Lock()
	services := append([]ProtocolFactory(nil), sp.services...)
	sp.mu.Unlock()

	for _, svc := range services {
		if svc.ProtocolIdentifier() != protocolID {
			continue
		}
		if (checksumOK && svc.IsChecksummed()) || !svc.IsChecksummed() {
			return svc.MakeProtocol(conn)
		}
	}
	return nil
}

// Close closes the listening socket, ignoring errors. Safe to call
// multiple times and concurrently with Open.
func (sp *ServicePort) Close() {
	sp.mu.Lock()
	listener := sp.listener
	sp.listener = nil
	sp.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
}

// OnStopServer is ServiceManager's stop hook, equivalent to Close.
func (sp *ServicePort) OnStopServer() {
	sp.mu.Lock()
	sp.stopped = true
	sp.mu.Unlock()
	sp.Close()
}

