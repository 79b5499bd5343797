// Package client implements the synthetic client harness: it drives a
// workload.Generator against the load balancer's UDP address, issuing
// READ/WRITE/DEL frames and timing replies, grounded on the teacher's
// integration_test/load_test.go (metrics.Timer/Counter usage) but speaking
// the Pegasus wire protocol instead of the memcached text protocol
// (SPEC_FULL.md §4.11).
package client

import (
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/rcrowley/go-metrics"

	"pegasuskv/log"
	"pegasuskv/recycle"
	"pegasuskv/transport"
	"pegasuskv/wire"
	"pegasuskv/workload"
)

// Stats mirrors the counters the teacher's LoadTest prints at the end of a
// run, renamed to the READ/WRITE/DEL vocabulary of this protocol.
type Stats struct {
	Registry   metrics.Registry
	ReadTimer  metrics.Timer
	WriteTimer metrics.Timer
	DelTimer   metrics.Timer
	Misses     metrics.Counter
	Timeouts   metrics.Counter
	Replies    metrics.Counter
}

// NewStats builds a Stats bound to a fresh go-metrics registry, matching the
// teacher's metrics.NewRegistry()/NewRegisteredTimer idiom.
func NewStats() *Stats {
	r := metrics.NewRegistry()
	return &Stats{
		Registry:   r,
		ReadTimer:  metrics.NewRegisteredTimer("read", r),
		WriteTimer: metrics.NewRegisteredTimer("write", r),
		DelTimer:   metrics.NewRegisteredTimer("del", r),
		Misses:     metrics.NewRegisteredCounter("miss", r),
		Timeouts:   metrics.NewRegisteredCounter("timeout", r),
		Replies:    metrics.NewRegisteredCounter("reply", r),
	}
}

// Client is one synthetic client instance: one UDP socket dialed to the LB,
// one client ID used in the LB's REPLY dedup scheme (lb/clienttable.go), and a
// workload.Generator driving its request stream.
type Client struct {
	ID      uint8
	sock    *transport.Socket
	log     log.Logger
	timeout time.Duration
	stats   *Stats
	gen     *workload.Generator
	reqSeq  uint32
}

// New dials lbAddr and wraps it as a Client. id is this client's
// 8-bit ID, stamped into every outgoing frame's ClientID field.
func New(l log.Logger, pool *recycle.Pool, lbAddr string, id uint8, timeout time.Duration, gen *workload.Generator, stats *Stats) (*Client, error) {
	sock, err := transport.Dial(l, pool, lbAddr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &Client{ID: id, sock: sock, log: l, timeout: timeout, stats: stats, gen: gen}, nil
}

// Close releases the client's socket.
func (c *Client) Close() error { return c.sock.Close() }

// nextReqTag is a per-client monotonically increasing tag folded into the
// ver field of WRITE/DEL frames. The LB overwrites that field with its own
// globally allocated version before forwarding, so the tag never reaches a
// server or the LB's dedup table (keyed on keyhash+ver, see
// lb/clienttable.go), and collisions across clients are harmless.
func (c *Client) nextReqTag() uint32 {
	c.reqSeq++
	return c.reqSeq
}

// Do issues one request chosen by the Client's workload.Generator and blocks
// for the reply, recording latency into Stats. It returns the parsed reply
// header (nil on a hard I/O error).
func (c *Client) Do() (*wire.Header, error) {
	op, key, value := c.gen.Next()
	frame := make([]byte, wire.HeaderSize+len(key)+len(value))
	h := wire.Header{ClientID: c.ID, Key: key}
	var timer metrics.Timer
	switch op {
	case workload.OpGet:
		h.OpType = wire.Read
		timer = c.stats.ReadTimer
	case workload.OpPut:
		h.OpType = wire.Write
		h.Ver = c.nextReqTag()
		timer = c.stats.WriteTimer
	case workload.OpDel:
		h.OpType = wire.Del
		h.Ver = c.nextReqTag()
		timer = c.stats.DelTimer
	}
	n := wire.Encode(frame, h)
	n += copy(frame[n:], value)
	frame = frame[:n]

	var reply *wire.Header
	var doErr error
	timer.Time(func() {
		if err := c.sock.WriteFrame(frame); err != nil {
			doErr = err
			return
		}
		if c.timeout > 0 {
			c.sock.SetReadDeadline(time.Now().Add(c.timeout))
		}
		f, err := c.sock.ReadFrame()
		if err != nil {
			c.stats.Timeouts.Inc(1)
			doErr = err
			return
		}
		rh, err := wire.Parse(f.Data)
		if err != nil {
			f.Release()
			doErr = err
			return
		}
		if rh.Key != nil {
			rh.Key = append([]byte(nil), rh.Key...)
		}
		f.Release()
		reply = &rh
		c.stats.Replies.Inc(1)
	})
	return reply, doErr
}

// Run drives the client's workload for the given duration, pacing requests
// via the generator's Poisson arrival process (spec §6 --mean-interval).
func (c *Client) Run(duration time.Duration) {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		c.gen.NextArrival()
		if _, err := c.Do(); err != nil {
			c.log.Debugf("client %d: %v", c.ID, err)
		}
	}
}
