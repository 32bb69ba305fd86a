package conn

import (
	"bufio"
	"net"
	"sync/atomic"

	"github.com/phuslu/log"
)

// Conn wraps an accepted device socket with buffered reads, a connection
// id and transfer counters for the receiver stats.
type Conn struct {
	cid   uint64
	tuple []string
	r     *bufio.Reader
	nin   uint64
	nout  uint64
	net.Conn
}

func NewConn(c net.Conn, cid uint64) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())

	return &Conn{cid: cid, tuple: []string{sourceip, sourceport, targetip, targetport}, r: bufio.NewReader(c), Conn: c}
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(&c.nin, uint64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.nout, uint64(n))
	return n, err
}

// BytesIn and BytesOut report transfer totals since accept.
func (c *Conn) BytesIn() uint64  { return atomic.LoadUint64(&c.nin) }
func (c *Conn) BytesOut() uint64 { return atomic.LoadUint64(&c.nout) }

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", c.tuple).Uint64("cid", c.cid)
}
