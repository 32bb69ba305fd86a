package receiver

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/fleettrack/internal/gps/codec"
	"nuha.dev/fleettrack/internal/gps/conn"
	"nuha.dev/fleettrack/internal/gps/session"
	"nuha.dev/fleettrack/internal/gps/stat"
	"nuha.dev/fleettrack/internal/rlog"
)

type State int32

const (
	Created State = iota
	Listening
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// BindError surfaces a failed listen to the control plane.
type BindError struct {
	Detail string
}

func (e *BindError) Error() string { return "bind_failed:" + e.Detail }

const DefaultGrace = 2 * time.Second

type Config struct {
	Host           string
	Port           int
	Transport      string
	Protocol       string
	MaxConnections int
	IdleTimeout    time.Duration
	Grace          time.Duration
}

// Receiver owns one listening socket and the sessions accepted on it.
// Accepting runs in its own goroutine; every session runs in its own.
type Receiver struct {
	cfg   Config
	ing   session.Ingester
	lw    *rlog.Writer
	log   log.Logger
	state int32
	ln    net.Listener
	pln   *proxyproto.Listener
	st    *stat.Stats

	mu       sync.Mutex
	sessions map[uint64]*session.Session
	cids     uint64
	started  time.Time
	stopCh   chan struct{}
}

func New(cfg Config, ing session.Ingester, logRoot string, level string) (*Receiver, error) {
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 500
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	lw, err := rlog.NewWriter(logRoot, cfg.Port, cfg.Transport, 0)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		cfg:      cfg,
		ing:      ing,
		lw:       lw,
		st:       stat.NewStats(),
		sessions: make(map[uint64]*session.Session),
		stopCh:   make(chan struct{}),
	}
	r.log = rlog.NewLogger(lw, level)
	r.log.Context = log.NewContext(nil).Str("module", "receiver").Int("port", cfg.Port).Value()
	return r, nil
}

func (r *Receiver) Port() int    { return r.cfg.Port }
func (r *Receiver) State() State { return State(atomic.LoadInt32(&r.state)) }

func (r *Receiver) MarshalObject(e *log.Entry) {
	e.Int("port", r.cfg.Port).Str("transport", r.cfg.Transport).Str("protocol", r.cfg.Protocol)
}

// Start binds the listener and begins accepting. A failed bind leaves the
// receiver in Stopped and reports a BindError; it never panics the
// process.
func (r *Receiver) Start() error {
	if !atomic.CompareAndSwapInt32(&r.state, int32(Created), int32(Listening)) {
		return &BindError{Detail: "receiver not startable in state " + r.State().String()}
	}
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		atomic.StoreInt32(&r.state, int32(Stopped))
		r.log.Error().Err(err).Msg("unable to listen")
		return &BindError{Detail: err.Error()}
	}
	r.mu.Lock()
	r.ln = ln
	r.pln = &proxyproto.Listener{Listener: ln}
	r.started = time.Now().UTC()
	r.mu.Unlock()
	r.log.Info().Str("event", session.EV_STATE).Str("state", "listening").Str("addr", ln.Addr().String()).Msg("")
	go r.acceptLoop()
	go r.midnightTimer()
	return nil
}

// Addr reports the bound address, useful when Port was 0.
func (r *Receiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *Receiver) acceptLoop() {
	for {
		c, err := r.pln.Accept()
		if err != nil {
			if r.State() != Listening {
				return
			}
			r.log.Error().Err(err).Msg("failed to accept new connection")
			return
		}
		if r.liveSessions() >= r.cfg.MaxConnections {
			// over cap: refuse this one, keep the listener open
			r.st.RefusedInc()
			r.log.Warn().Str("event", session.EV_CONNECTION).Str("state", "refused").Msg("session cap reached")
			c.Close()
			continue
		}
		cid := atomic.AddUint64(&r.cids, 1)
		cc := conn.NewConn(c, cid)
		r.st.ConnectEv(time.Now().UTC())
		cdc, ok := codec.New(r.cfg.Protocol)
		if !ok {
			r.log.Error().Msgf("no codec %q, dropping connection", r.cfg.Protocol)
			c.Close()
			continue
		}
		s := session.NewSession(cc, cdc, r.ing, r.st, r.log,
			session.Config{IdleTimeout: r.cfg.IdleTimeout}, r.unregister)
		r.mu.Lock()
		r.sessions[cid] = s
		r.mu.Unlock()
		s.Run()
	}
}

func (r *Receiver) unregister(s *session.Session) {
	r.mu.Lock()
	delete(r.sessions, s.Cid())
	r.mu.Unlock()
}

func (r *Receiver) liveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stop closes the listener, asks every session to shut down and waits up
// to the grace period before giving up on stragglers. Calling it in any
// state but Listening is a no-op returning the current snapshot.
func (r *Receiver) Stop() Snapshot {
	if !atomic.CompareAndSwapInt32(&r.state, int32(Listening), int32(Stopping)) {
		return r.Stats()
	}
	r.pln.Close()
	close(r.stopCh)

	r.mu.Lock()
	live := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.Shutdown()
	}

	until := time.Now().Add(r.cfg.Grace)
	orphans := 0
	for _, s := range live {
		select {
		case <-s.Done():
		case <-time.After(time.Until(until)):
			orphans++
		}
	}
	if orphans > 0 {
		r.log.Error().Str("event", session.EV_ERROR).Int("orphans", orphans).Msg("receiver_stop_timeout")
	}
	atomic.StoreInt32(&r.state, int32(Stopped))
	r.log.Info().Str("event", session.EV_STATE).Str("state", "stopped").Msg("")
	snap := r.Stats()
	r.lw.Close()
	return snap
}

func (r *Receiver) midnightTimer() {
	for {
		now := time.Now().Local()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		select {
		case <-time.After(next.Sub(now) + time.Second):
			if err := r.lw.Rotate(); err != nil {
				r.log.Error().Err(err).Msg("log rotation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

type Snapshot struct {
	Port      int           `json:"port"`
	Transport string        `json:"transport"`
	Protocol  string        `json:"protocol"`
	State     string        `json:"state"`
	Running   bool          `json:"running"`
	Addr      string        `json:"addr"`
	Sessions  int           `json:"sessions"`
	Started   time.Time     `json:"started"`
	Counters  stat.Snapshot `json:"counters"`
}

func (r *Receiver) Stats() Snapshot {
	r.mu.Lock()
	addr := ""
	if r.ln != nil {
		addr = r.ln.Addr().String()
	}
	live := len(r.sessions)
	started := r.started
	r.mu.Unlock()
	st := r.State()
	return Snapshot{
		Port:      r.cfg.Port,
		Transport: r.cfg.Transport,
		Protocol:  r.cfg.Protocol,
		State:     st.String(),
		Running:   st == Listening,
		Addr:      addr,
		Sessions:  live,
		Started:   started,
		Counters:  r.st.Snapshot(),
	}
}
