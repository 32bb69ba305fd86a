package stat

import (
	"sync"
	"time"
)

type timeEvent struct {
	list [10]time.Time
	idx  int
	mu   sync.Mutex
}

func (l *timeEvent) log(t time.Time) {
	l.mu.Lock()
	l.list[l.idx] = t
	l.idx = l.idx + 1
	if l.idx == len(l.list) {
		l.idx = 0
	}
	l.mu.Unlock()
}

func (l *timeEvent) last() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.idx - 1
	if i < 0 {
		i = len(l.list) - 1
	}
	return l.list[i]
}

// Stats collects the per-receiver counters exposed by the control plane.
// All methods are safe for concurrent sessions.
type Stats struct {
	mu         sync.Mutex
	frames     uint64
	fixes      uint64
	rejects    map[string]uint64
	bytesIn    uint64
	bytesOut   uint64
	refused    uint64
	connect    timeEvent
	disconnect timeEvent
	created    time.Time
}

func NewStats() *Stats {
	return &Stats{rejects: make(map[string]uint64), created: time.Now().UTC()}
}

func (s *Stats) FrameInc() {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *Stats) FixInc() {
	s.mu.Lock()
	s.fixes++
	s.mu.Unlock()
}

func (s *Stats) RejectInc(reason string) {
	s.mu.Lock()
	s.rejects[reason]++
	s.mu.Unlock()
}

func (s *Stats) RefusedInc() {
	s.mu.Lock()
	s.refused++
	s.mu.Unlock()
}

func (s *Stats) AddBytes(in, out uint64) {
	s.mu.Lock()
	s.bytesIn += in
	s.bytesOut += out
	s.mu.Unlock()
}

func (s *Stats) ConnectEv(t time.Time)    { s.connect.log(t) }
func (s *Stats) DisconnectEv(t time.Time) { s.disconnect.log(t) }

type Snapshot struct {
	Frames         uint64            `json:"frames"`
	Fixes          uint64            `json:"fixes"`
	Rejects        map[string]uint64 `json:"rejects"`
	BytesIn        uint64            `json:"bytes_in"`
	BytesOut       uint64            `json:"bytes_out"`
	Refused        uint64            `json:"refused"`
	LastConnect    time.Time         `json:"last_connect"`
	LastDisconnect time.Time         `json:"last_disconnect"`
	Created        time.Time         `json:"created"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	rej := make(map[string]uint64, len(s.rejects))
	for k, v := range s.rejects {
		rej[k] = v
	}
	return Snapshot{
		Frames:         s.frames,
		Fixes:          s.fixes,
		Rejects:        rej,
		BytesIn:        s.bytesIn,
		BytesOut:       s.bytesOut,
		Refused:        s.refused,
		LastConnect:    s.connect.last(),
		LastDisconnect: s.disconnect.last(),
		Created:        s.created,
	}
}
