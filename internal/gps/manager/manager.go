package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/fleettrack/internal/gps/codec"
	"nuha.dev/fleettrack/internal/gps/receiver"
	"nuha.dev/fleettrack/internal/gps/session"
	"nuha.dev/fleettrack/internal/store"
)

var ErrAlreadyRunning = errors.New("already_running")
var ErrNotRunning = errors.New("not_running")
var ErrNoCodec = errors.New("no_codec_available")

type Config struct {
	LogRoot  string
	LogLevel string
	Grace    time.Duration
}

// Manager is the single authority over running receivers. Creating a
// receiver by other means is forbidden; every start and stop goes
// through the registry so "one receiver per port" holds process wide.
type Manager struct {
	mu        sync.Mutex
	receivers map[int]*receiver.Receiver
	starting  map[int]bool
	st        store.FleetStore
	ing       session.Ingester
	cfg       Config
	log       zerolog.Logger
}

func New(st store.FleetStore, ing session.Ingester, cfg Config) *Manager {
	if cfg.LogRoot == "" {
		cfg.LogRoot = "logs"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	m := &Manager{
		receivers: make(map[int]*receiver.Receiver),
		starting:  make(map[int]bool),
		st:        st,
		ing:       ing,
		cfg:       cfg,
	}
	m.log = log.With().Str("module", "manager").Logger()
	return m
}

// StartReceiver starts a receiver for port, creating a default
// ReceiverConfig row first when the port is unknown so the next boot
// auto-starts it again.
func (m *Manager) StartReceiver(ctx context.Context, host string, port int) (*receiver.Snapshot, error) {
	m.mu.Lock()
	if _, ok := m.receivers[port]; ok || m.starting[port] {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	m.starting[port] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, port)
		m.mu.Unlock()
	}()

	rc, err := m.st.ReceiverConfigByPort(ctx, port)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		def := codec.Default()
		if def == "" {
			return nil, ErrNoCodec
		}
		rc = &store.ReceiverConfig{
			Port:           port,
			Transport:      "tcp",
			Protocol:       def,
			Active:         true,
			MaxConnections: 500,
			MaxDevices:     500,
			TimeoutS:       30,
		}
		if err := m.st.CreateReceiverConfig(ctx, rc); err != nil {
			return nil, err
		}
		m.log.Info().Int("port", port).Str("protocol", def).Msg("created default receiver config")
	}
	if _, ok := codec.New(rc.Protocol); !ok {
		return nil, ErrNoCodec
	}

	rcv, err := receiver.New(receiver.Config{
		Host:           host,
		Port:           port,
		Transport:      rc.Transport,
		Protocol:       rc.Protocol,
		MaxConnections: rc.MaxConnections,
		IdleTimeout:    time.Duration(rc.TimeoutS) * time.Second,
		Grace:          m.cfg.Grace,
	}, m.ing, m.cfg.LogRoot, m.cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if err := rcv.Start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.receivers[port] = rcv
	m.mu.Unlock()
	m.log.Info().Int("port", port).Str("protocol", rc.Protocol).Str("addr", rcv.Addr()).Msg("receiver started")
	snap := rcv.Stats()
	return &snap, nil
}

// StopReceiver stops and unregisters the receiver on port. The config
// row's active flag is untouched; deactivation is an administrative
// concern, not a lifecycle one.
func (m *Manager) StopReceiver(port int) (*receiver.Snapshot, error) {
	m.mu.Lock()
	rcv, ok := m.receivers[port]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	delete(m.receivers, port)
	m.mu.Unlock()

	snap := rcv.Stop()
	m.log.Info().Int("port", port).Msg("receiver stopped")
	return &snap, nil
}

func (m *Manager) IsRunning(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.receivers[port]
	return ok
}

func (m *Manager) GetAll() []receiver.Snapshot {
	m.mu.Lock()
	rcvs := make([]*receiver.Receiver, 0, len(m.receivers))
	for _, r := range m.receivers {
		rcvs = append(rcvs, r)
	}
	m.mu.Unlock()
	out := make([]receiver.Snapshot, 0, len(rcvs))
	for _, r := range rcvs {
		out = append(out, r.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (m *Manager) GetStats(port int) (*receiver.Snapshot, error) {
	m.mu.Lock()
	rcv, ok := m.receivers[port]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}
	snap := rcv.Stats()
	return &snap, nil
}

// RunningPorts lists registered ports in ascending order.
func (m *Manager) RunningPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]int, 0, len(m.receivers))
	for p := range m.receivers {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Bootstrap starts every receiver marked active in the configuration
// store. Individual failures are logged and skipped; a port that is
// already running is left alone, so calling Bootstrap twice is safe.
func (m *Manager) Bootstrap(ctx context.Context, host string) error {
	configs, err := m.st.ActiveReceiverConfigs(ctx)
	if err != nil {
		return err
	}
	for _, rc := range configs {
		if m.IsRunning(rc.Port) {
			continue
		}
		if _, err := m.StartReceiver(ctx, host, rc.Port); err != nil {
			if err == ErrAlreadyRunning {
				continue
			}
			m.log.Error().Err(err).Int("port", rc.Port).Msg("bootstrap: receiver failed to start")
		}
	}
	return nil
}

// StopAll stops every receiver in parallel, each bounded by its own
// grace period. Used on process shutdown.
func (m *Manager) StopAll() {
	ports := m.RunningPorts()
	var wg sync.WaitGroup
	for _, p := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			_, _ = m.StopReceiver(port)
		}(p)
	}
	wg.Wait()
}
