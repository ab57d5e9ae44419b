// The shape of this pipe follows net.Pipe, but it moves whole messages
// instead of a byte stream.
package pipe

import (
	"context"
	"sync"
	"time"

	"github.com/Nugine/async-rdma/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// DefaultRecvDepth is how many messages may wait in a receive queue
// before Send blocks.
const DefaultRecvDepth = 16

// QP is one end of an in-memory queue pair.
type QP struct {
	inbox chan []byte // messages this end receives.

	closed chan struct{}
	once   sync.Once // making sure not to close closed channel.

	rdeadLine *chanDeadLine
	wdeadLine *chanDeadLine

	maxMsgLen int
	addr      transport.Addr

	// the opposite end.
	counterpart *QP
}

var _ transport.QueuePair = (*QP)(nil)

// Pair creates both ends of a queue pair sharing maxMsgLen.
func Pair(addr1, addr2 transport.Addr, maxMsgLen int, clock clock.Clock) (q1, q2 *QP) {
	q1 = newQP(addr1, maxMsgLen, clock)
	q2 = newQP(addr2, maxMsgLen, clock)
	q1.counterpart, q2.counterpart = q2, q1
	return
}

func newQP(addr transport.Addr, maxMsgLen int, clock clock.Clock) *QP {
	return &QP{
		inbox:     make(chan []byte, DefaultRecvDepth),
		closed:    make(chan struct{}),
		rdeadLine: newChanDeadLine(clock),
		wdeadLine: newChanDeadLine(clock),
		maxMsgLen: maxMsgLen,
		addr:      addr,
	}
}

func (q *QP) LocalAddr() transport.Addr  { return q.addr }
func (q *QP) RemoteAddr() transport.Addr { return q.counterpart.addr }
func (q *QP) MaxMsgLen() int             { return q.maxMsgLen }

func (q *QP) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *QP) Send(ctx context.Context, msg []byte) error {
	if len(msg) > q.maxMsgLen {
		return errors.Wrapf(transport.ErrMessageTooLong, "%d > %d", len(msg), q.maxMsgLen)
	}
	if err := q.checkOK(q.wdeadLine); err != nil {
		return err
	}

	c := make([]byte, len(msg))
	copy(c, msg)

	select {
	case q.counterpart.inbox <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return transport.ErrConnClosed
	case <-q.counterpart.closed:
		return transport.ErrConnClosed
	case <-q.wdeadLine.wait():
		return transport.ErrDeadLineExceeded
	}
}

func (q *QP) Receive(ctx context.Context) ([]byte, error) {
	if isClosed(q.closed) {
		return nil, transport.ErrConnClosed
	}
	if isClosed(q.rdeadLine.wait()) {
		return nil, transport.ErrDeadLineExceeded
	}

	select {
	case msg := <-q.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, transport.ErrConnClosed
	case <-q.counterpart.closed:
		// Hand out what the peer sent before it went away.
		select {
		case msg := <-q.inbox:
			return msg, nil
		default:
			return nil, transport.ErrConnClosed
		}
	case <-q.rdeadLine.wait():
		return nil, transport.ErrDeadLineExceeded
	}
}

func (q *QP) checkOK(d *chanDeadLine) error {
	switch {
	case isClosed(q.closed):
		return transport.ErrConnClosed
	case isClosed(q.counterpart.closed):
		return transport.ErrConnClosed
	case isClosed(d.wait()):
		return transport.ErrDeadLineExceeded
	}
	return nil
}

func (q *QP) SetReadDeadLine(t time.Time)  { q.rdeadLine.set(t) }
func (q *QP) SetWriteDeadLine(t time.Time) { q.wdeadLine.set(t) }

type chanDeadLine struct {
	clock clock.Clock

	t *clock.Timer
	m sync.Mutex

	closed chan struct{}
}

func newChanDeadLine(clock clock.Clock) *chanDeadLine {
	return &chanDeadLine{
		clock:  clock,
		closed: make(chan struct{}),
	}
}

func (d *chanDeadLine) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t != nil {
		d.t.Stop()
	}
	d.t = nil

	if isClosed(d.closed) {
		d.closed = make(chan struct{})
	}

	if t.IsZero() {
		// zero value means no limit.
		return
	}

	closed := d.closed
	d.t = d.clock.AfterFunc(d.clock.Until(t), func() {
		close(closed)
	})
}

func (d *chanDeadLine) wait() <-chan struct{} {
	d.m.Lock()
	defer d.m.Unlock()
	return d.closed
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c: // c will only fire at closed state.
		return true
	default:
		return false
	}
}
