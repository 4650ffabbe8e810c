package proxypool

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Windscribe/proxypool/mitm"
)

type slotState int

const (
	// slotReserved holds a port while its instance binds outside the lock.
	slotReserved slotState = iota
	slotLive
	// slotReleasing holds a port while its instance stops outside the lock.
	slotReleasing
)

type slot struct {
	state    slotState
	instance *Instance
}

// Manager owns every proxy instance and the ports they are bound to. All
// instances share the manager's trust anchor but keep their own certificate
// cache.
type Manager struct {
	opts   Options
	anchor *mitm.TrustAnchor
	log    Logger

	mu     sync.Mutex
	slots  map[int]*slot
	closed bool

	closeOnce   sync.Once
	stopJanitor chan struct{}
	janitorDone chan struct{}
}

func NewManager(anchor *mitm.TrustAnchor, opts Options) (*Manager, error) {
	if anchor == nil {
		return nil, errors.New("a trust anchor is required")
	}
	r := opts.PortRange
	if r.Low > r.High {
		r.Low, r.High = r.High, r.Low
	}
	if r != (PortRange{}) && (r.Low < 1 || r.High > 65535) {
		return nil, errors.Errorf("invalid port range %d-%d", r.Low, r.High)
	}
	opts.PortRange = r
	m := &Manager{
		opts:        opts,
		anchor:      anchor,
		log:         opts.logger(),
		slots:       make(map[int]*slot),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if opts.TTL > 0 {
		go m.janitor()
	} else {
		close(m.janitorDone)
	}
	return m, nil
}

// Create starts an instance on the lowest free port of the range. A cfg
// with a non-zero Port is passed to CreateOnPort.
func (m *Manager) Create(cfg InstanceConfig) (*Instance, error) {
	if cfg.Port != 0 {
		return m.CreateOnPort(cfg.Port, cfg)
	}
	if !m.opts.PortRange.IsSet() {
		return m.createEphemeral(cfg)
	}

	// ports held by other processes, skipped for the rest of this call
	busy := make(map[int]bool)
	for {
		port, err := m.reserveLowest(busy)
		if err != nil {
			return nil, err
		}
		cfg.Port = port
		in, err := m.start(port, cfg)
		var inUse *AddressInUseError
		if errors.As(err, &inUse) {
			m.log.Warnf("port %d is bound by another process, trying the next one", port)
			busy[port] = true
			continue
		}
		return in, err
	}
}

// CreateOnPort starts an instance on port, which need not lie in the range.
func (m *Manager) CreateOnPort(port int, cfg InstanceConfig) (*Instance, error) {
	if port < 1 || port > 65535 {
		return nil, errors.Errorf("invalid port %d", port)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, taken := m.slots[port]; taken {
		m.mu.Unlock()
		return nil, &ProxyExistsError{Port: port}
	}
	m.slots[port] = &slot{state: slotReserved}
	m.mu.Unlock()

	cfg.Port = port
	return m.start(port, cfg)
}

func (m *Manager) reserveLowest(skip map[int]bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrManagerClosed
	}
	r := m.opts.PortRange
	for port := r.Low; port <= r.High; port++ {
		if _, taken := m.slots[port]; taken || skip[port] {
			continue
		}
		m.slots[port] = &slot{state: slotReserved}
		return port, nil
	}
	return 0, &PortsExhaustedError{Low: r.Low, High: r.High}
}

// start binds a reserved port and turns the reservation into a live slot.
// The reservation is dropped on failure.
func (m *Manager) start(port int, cfg InstanceConfig) (*Instance, error) {
	in, err := NewInstance(cfg, m.anchor, m.opts)
	if err == nil {
		err = in.Start()
	}

	m.mu.Lock()
	if err != nil {
		delete(m.slots, port)
		m.mu.Unlock()
		return nil, err
	}
	if m.closed {
		delete(m.slots, port)
		m.mu.Unlock()
		_ = in.Stop()
		return nil, ErrManagerClosed
	}
	m.slots[port] = &slot{state: slotLive, instance: in}
	m.mu.Unlock()

	m.log.Infof("created proxy on port %d", port)
	return in, nil
}

// createEphemeral lets the kernel pick the port and registers whatever it
// chose.
func (m *Manager) createEphemeral(cfg InstanceConfig) (*Instance, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	cfg.Port = 0
	in, err := NewInstance(cfg, m.anchor, m.opts)
	if err != nil {
		return nil, err
	}
	if err := in.Start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, taken := m.slots[in.Port()]; taken || m.closed {
		m.mu.Unlock()
		_ = in.Stop()
		if taken {
			return nil, &ProxyExistsError{Port: in.Port()}
		}
		return nil, ErrManagerClosed
	}
	m.slots[in.Port()] = &slot{state: slotLive, instance: in}
	m.mu.Unlock()

	m.log.Infof("created proxy on port %d", in.Port())
	return in, nil
}

// Delete stops the instance on port and frees the port. Deleting a port
// without an instance is not an error. When another Delete of the same
// port is in progress, Delete waits for it to finish.
func (m *Manager) Delete(port int) error {
	m.mu.Lock()
	s, ok := m.slots[port]
	if !ok || s.state == slotReserved {
		m.mu.Unlock()
		return nil
	}
	in := s.instance
	if s.state == slotReleasing {
		m.mu.Unlock()
		<-in.Done()
		return nil
	}
	s.state = slotReleasing
	m.mu.Unlock()

	err := in.Stop()

	m.mu.Lock()
	if cur, ok := m.slots[port]; ok && cur == s {
		delete(m.slots, port)
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warnf("stopping proxy on port %d: %v", port, err)
	}
	m.log.Infof("deleted proxy on port %d", port)
	return err
}

// Get returns the live instance on port and counts the lookup as activity.
func (m *Manager) Get(port int) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[port]
	if !ok || s.state != slotLive {
		return nil, ErrNotFound
	}
	s.instance.touch()
	return s.instance, nil
}

// Instances is a snapshot of the live instances ordered by port.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	list := make([]*Instance, 0, len(m.slots))
	for _, s := range m.slots {
		if s.state == slotLive {
			list = append(list, s.instance)
		}
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Port() < list[j].Port() })
	return list
}

func (m *Manager) TrustAnchor() *mitm.TrustAnchor {
	return m.anchor
}

func (m *Manager) Options() Options {
	return m.opts
}

// Close deletes every instance. Create fails with ErrManagerClosed after.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stopJanitor)
		<-m.janitorDone

		for _, in := range m.Instances() {
			if derr := m.Delete(in.Port()); derr != nil && err == nil {
				err = derr
			}
		}
	})
	return err
}

func (m *Manager) janitor() {
	defer close(m.janitorDone)
	interval := m.opts.JanitorInterval
	if interval <= 0 || interval > m.opts.TTL {
		interval = m.opts.TTL / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopJanitor:
			return
		case now := <-ticker.C:
			m.expire(now)
		}
	}
}

func (m *Manager) expire(now time.Time) {
	for _, in := range m.Instances() {
		idle := now.Sub(in.LastActivity())
		if idle < m.opts.TTL {
			continue
		}
		m.log.Infof("proxy on port %d idle for %s, deleting", in.Port(), idle.Round(time.Second))
		if err := m.Delete(in.Port()); err != nil {
			m.log.Warnf("expiring proxy on port %d: %v", in.Port(), err)
		}
	}
}
