package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/fleettrack/internal/store"
)

// TopicStateUpdated fires after a vehicle state row was durably
// replaced. Handlers run off the hot path.
const TopicStateUpdated = "fix.state.updated"

const emitTimeout = 10 * time.Second

// StateEvent is the payload carried on TopicStateUpdated.
type StateEvent struct {
	Vehicle    *store.Vehicle
	State      *store.VehicleState
	PositionId string
}

// Dispatcher decouples side effects (geocoding, notifications) from the
// ingest transaction. Events go through a bounded queue: when it is
// full the event is dropped and counted, never blocking a session.
type Dispatcher struct {
	bus     *bus.Bus
	tasks   chan StateEvent
	log     zerolog.Logger
	dropped uint64
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

func NewDispatcher(queueCap int) (*Dispatcher, error) {
	if queueCap <= 0 {
		queueCap = 256
	}
	node := uint64(1)
	m, err := monoton.New(sequencer.NewMillisecond(), node, 0)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicStateUpdated)
	d := &Dispatcher{
		bus:   b,
		tasks: make(chan StateEvent, queueCap),
		done:  make(chan struct{}),
	}
	d.log = log.With().Str("module", "sideeffect").Logger()
	go d.run()
	return d, nil
}

// RegisterHandler attaches a bus handler; key must be unique.
func (d *Dispatcher) RegisterHandler(key string, h bus.Handler) {
	d.bus.RegisterHandler(key, h)
}

// Offer enqueues without blocking; false means the queue was full and
// the event was dropped.
func (d *Dispatcher) Offer(ev StateEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.tasks <- ev:
		return true
	default:
		atomic.AddUint64(&d.dropped, 1)
		return false
	}
}

func (d *Dispatcher) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		if err := d.bus.Emit(ctx, TopicStateUpdated, ev); err != nil {
			d.log.Error().Err(err).Msg("side effect emit failed")
		}
		cancel()
	}
}

// Close drains nothing; queued events still dispatch, new offers fail.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()
	<-d.done
}
