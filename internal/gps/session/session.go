package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/gps/codec"
	"nuha.dev/fleettrack/internal/gps/conn"
	"nuha.dev/fleettrack/internal/gps/stat"
)

// Log event kinds, one per structured line.
const (
	EV_CONNECTION = "connection"
	EV_DATA_IN    = "data_in"
	EV_PARSED     = "parsed"
	EV_REJECT     = "reject"
	EV_STATE      = "state"
	EV_ERROR      = "error"
)

// Close reasons reported on the final connection line.
const (
	CLOSE_IDLE         = "idle"
	CLOSE_FRAMING_LOST = "framing_lost"
	CLOSE_PEER         = "peer_closed"
	CLOSE_READ_ERROR   = "read_error"
	CLOSE_SHUTDOWN     = "shutdown"
)

const (
	DefaultIdleTimeout   = 30 * time.Second
	DefaultIngestTimeout = 2 * time.Second
	maxBuffer            = 64 * 1024
	writeTimeout         = 5 * time.Second
	readChunk            = 4 * 1024
)

// Ingester is the downstream of a session. Implementations never fail a
// fix; the only error a session sees is its own deadline expiring.
type Ingester interface {
	Ingest(ctx context.Context, fix *codec.Fix) error
}

type Config struct {
	IdleTimeout   time.Duration
	IngestTimeout time.Duration
}

// Session owns one accepted device connection end to end: framing,
// decoding, handing fixes to ingest and answering with the codec's ACK.
type Session struct {
	c        *conn.Conn
	cdc      codec.Codec
	ing      Ingester
	st       *stat.Stats
	log      log.Logger
	cfg      Config
	done     chan struct{}
	onClose  func(s *Session)
	lastIMEI string
}

func NewSession(c *conn.Conn, cdc codec.Codec, ing Ingester, st *stat.Stats, logger log.Logger, cfg Config, onClose func(*Session)) *Session {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = DefaultIngestTimeout
	}
	s := &Session{c: c, cdc: cdc, ing: ing, st: st, cfg: cfg, done: make(chan struct{}), onClose: onClose}
	s.log = logger
	s.log.Context = log.NewContext(logger.Context).Uint64("cid", c.Cid()).Value()
	return s
}

func (s *Session) Cid() uint64 { return s.c.Cid() }

// Shutdown asks the session to stop; the blocked read fails immediately.
func (s *Session) Shutdown() {
	s.c.Close()
}

// Done is closed once the session has fully unwound.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Run() {
	go s.run()
}

func (s *Session) run() {
	s.log.Info().Str("event", EV_CONNECTION).EmbedObject(s.c).Str("state", "open").Msg("")
	reason := CLOSE_SHUTDOWN
	defer func() { s.finish(reason) }()

	buf := make([]byte, 0, readChunk)
	tmp := make([]byte, readChunk)
	for {
		_ = s.c.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		n, err := s.c.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		var ok bool
		buf, ok = s.consume(buf)
		if !ok {
			reason = CLOSE_FRAMING_LOST
			return
		}
		if len(buf) > maxBuffer {
			reason = CLOSE_FRAMING_LOST
			return
		}
		if err != nil {
			reason = closeReason(err)
			return
		}
	}
}

func closeReason(err error) string {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return CLOSE_IDLE
	}
	if errors.Is(err, io.EOF) {
		return CLOSE_PEER
	}
	if errors.Is(err, net.ErrClosed) {
		return CLOSE_SHUTDOWN
	}
	return CLOSE_READ_ERROR
}

// consume drains every whole frame currently in buf. The bool result is
// false when framing is beyond recovery and the session must close.
func (s *Session) consume(buf []byte) ([]byte, bool) {
	for {
		frame, n, err := s.cdc.Frame(buf)
		if err == codec.ErrNeedMore {
			return buf, true
		}
		if err == codec.ErrMalformed {
			// drop one byte and retry alignment
			buf = buf[1:]
			continue
		}
		s.st.FrameInc()
		s.log.Trace().Str("event", EV_DATA_IN).Hex("frame", frame).Msg("")
		s.handleFrame(frame)
		buf = buf[n:]
	}
}

func (s *Session) handleFrame(frame []byte) {
	fix, err := s.cdc.Decode(frame)
	tread := time.Now().UTC()
	if err != nil {
		reason := codec.RejectUnknownSubtype
		var rej *codec.RejectError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		s.st.RejectInc(reason)
		if reason == codec.RejectNoGPSFix {
			s.log.Debug().Str("event", EV_REJECT).Str("reason", reason).Hex("frame", frame).Msg("")
		} else {
			s.log.Info().Str("event", EV_REJECT).Str("reason", reason).Hex("frame", frame).Msg("")
		}
		if s.cdc.AckOnReject() {
			s.writeAck(s.cdc.Ack(frame, nil))
		}
		return
	}

	fix.ReportTime = tread
	s.lastIMEI = fix.IMEI
	s.st.FixInc()
	s.log.Info().Str("event", EV_PARSED).EmbedObject(fix).Msg("")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IngestTimeout)
	ierr := s.ing.Ingest(ctx, fix)
	cancel()
	if ierr != nil {
		// a stalled store must not stall the device; keep reading
		s.log.Error().Str("event", EV_ERROR).Err(ierr).Msg("ingest_timeout")
	}

	// ACK regardless of the ingest outcome so the device clears its buffer
	s.writeAck(s.cdc.Ack(frame, fix))
}

func (s *Session) writeAck(ack []byte) {
	if ack == nil {
		return
	}
	_ = s.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.c.Write(ack); err != nil {
		s.log.Error().Str("event", EV_ERROR).Err(err).Msg("error writing ack")
	}
}

func (s *Session) finish(reason string) {
	s.c.Close()
	s.st.AddBytes(s.c.BytesIn(), s.c.BytesOut())
	s.st.DisconnectEv(time.Now().UTC())
	s.log.Info().Str("event", EV_CONNECTION).Str("state", "closed").Str("reason", reason).Msg("")
	if d, ok := s.ing.(interface {
		Disconnected(ctx context.Context, imei string)
	}); ok && s.lastIMEI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IngestTimeout)
		d.Disconnected(ctx, s.lastIMEI)
		cancel()
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
}
