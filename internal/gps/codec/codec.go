package codec

import (
	"errors"
	"fmt"
	"sync"
)

// Framing outcomes. ErrNeedMore means the buffer does not yet hold one
// complete frame, ErrMalformed means the leading bytes cannot start a
// frame and the caller should drop one byte and retry.
var ErrNeedMore = errors.New("need more data")
var ErrMalformed = errors.New("malformed stream")

const (
	RejectBadChecksum    = "bad_checksum"
	RejectNoGPSFix       = "no_gps_fix"
	RejectUnknownSubtype = "unknown_subtype"
	RejectTruncated      = "truncated"
)

type RejectError struct {
	Reason string
}

func (r *RejectError) Error() string {
	return "decode_reject:" + r.Reason
}

func Reject(reason string) *RejectError {
	return &RejectError{Reason: reason}
}

// Codec turns raw device bytes into fixes and builds the replies the
// device expects. Implementations are pure over bytes: no sockets, no
// storage, no clocks.
type Codec interface {
	Name() string

	// Frame extracts one complete payload from buf. It returns the
	// payload bytes (without markers or trailers) and the total number
	// of bytes consumed from buf, or ErrNeedMore / ErrMalformed.
	Frame(buf []byte) ([]byte, int, error)

	// Decode produces a normalized Fix from one framed payload or a
	// *RejectError with a categorized reason.
	Decode(frame []byte) (*Fix, error)

	// Ack builds the reply for a framed payload. fix is nil when the
	// frame was rejected. A nil return means no reply is sent.
	Ack(frame []byte, fix *Fix) []byte

	// AckOnReject reports whether the vendor expects a reply even for
	// frames that failed to decode.
	AckOnReject() bool
}

var reg = struct {
	mu        sync.Mutex
	factories map[string]func() Codec
	order     []string
}{factories: make(map[string]func() Codec)}

func Register(name string, f func() Codec) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, dup := reg.factories[name]; dup {
		panic(fmt.Sprintf("codec %q registered twice", name))
	}
	reg.factories[name] = f
	reg.order = append(reg.order, name)
}

func New(name string) (Codec, bool) {
	reg.mu.Lock()
	f, ok := reg.factories[name]
	reg.mu.Unlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Default returns the first registered codec name. Used by the manager
// when it has to invent a config for an unknown port.
func Default() string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.order) == 0 {
		return ""
	}
	return reg.order[0]
}

func Names() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]string, len(reg.order))
	copy(out, reg.order)
	return out
}
