package gateway

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// deathTimerGrace is how long ServiceManager waits, after asking every
// acceptor to stop, before it forcibly joins the reactor's workers.
const deathTimerGrace = 3 * time.Second

// ServiceManager owns the Reactor, the ConnectionRegistry, and every
// registered ServicePort. It implements the two-phase shutdown: stop
// acceptors, then after a grace period drop the reactor's work and join.
type ServiceManager struct {
	Registry *ConnectionRegistry

	reactor *Reactor
	logger  *logrus.Logger

	mu        sync.Mutex
	acceptors map[int]*ServicePort
	running   bool
}

// NewServiceManager constructs a ServiceManager with its own Reactor of the
// given worker-pool size.
func NewServiceManager(workers int, logger *logrus.Logger) *ServiceManager {
	return &ServiceManager{
		Registry:  NewConnectionRegistry(),
		reactor:   NewReactor(workers),
		logger:    logger,
		acceptors: make(map[int]*ServicePort),
	}
}

// AddAcceptor registers and opens a ServicePort for port, building it with
// this manager's registry, reactor and dispatcher.
func (m *ServiceManager) AddAcceptor(port int, bindAddr func(int) string, admission AdmissionService, connCfg ConnectionConfig, build func(*ServicePort)) *ServicePort {
	sp := NewServicePort(port, bindAddr, m.Registry, m.reactor, m.reactor, admission, m.logger, connCfg)
	if build != nil {
		build(sp)
	}

	m.mu.Lock()
	m.acceptors[port] = sp
	m.mu.Unlock()

	sp.Open()
	return sp
}

// Run marks the manager running. Unlike the source design's io_context.run,
// there is no single blocking event loop to drive in Go — acceptors and
// connections each run their own goroutines — so Run is a bookkeeping call
// guarding against double-start, kept for symmetry with ServiceManager's
// run()/stop() lifecycle surface.
func (m *ServiceManager) Run() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Error("gateway: ServiceManager is already running")
		return
	}
	m.running = true
}

// Stop asks every acceptor to stop, clears the acceptor map, and after a
// 3-second grace period shuts down the reactor. Stop returns immediately;
// the returned channel closes once that shutdown has completed, so in-flight
// I/O completions have a chance to finish or be cancelled first.
func (m *ServiceManager) Stop() <-chan struct{} {
	done := make(chan struct{})

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		close(done)
		return done
	}
	m.running = false

	acceptors := make([]*ServicePort, 0, len(m.acceptors))
	for _, sp := range m.acceptors {
		acceptors = append(acceptors, sp)
	}
	m.acceptors = make(map[int]*ServicePort)
	m.mu.Unlock()

	for _, sp := range acceptors {
		sp := sp
		m.reactor.Post(sp.OnStopServer)
	}

	time.AfterFunc(deathTimerGrace, func() {
		m.die()
		close(done)
	})
	return done
}

func (m *ServiceManager) die() {
	m.Registry.CloseAll()
	m.reactor.Shutdown()
}
