package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mapveto/backend/internal/wire"
)

var ErrNotAccepted = errors.New("connection not accepted yet")
var ErrClosed = errors.New("connection closed")
var ErrAlreadyIdentified = errors.New("connection already identified")

// CloseReasonIdentifyTimeout is the close reason when the identify window
// elapses before the client identifies.
const CloseReasonIdentifyTimeout = "identification timeout"

// SequenceError reports an out-of-order seq_no. Fatal to the connection's
// processing loop, harmless to the session.
type SequenceError struct {
	Got      int
	Expected int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("invalid sequence number: got %d, expected %d", e.Got, e.Expected)
}

// State is the per-connection handshake state.
type State int

const (
	StateListening State = iota
	StateAccepted
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAccepted:
		return "accepted"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Transport is the one-connection send/close surface the protocol layer
// drives. Send must not block indefinitely; a Send error means the peer is
// gone.
type Transport interface {
	Send(ctx context.Context, resp wire.Response) error
	Close(reason string) error
}

// Conn owns one physical connection's identity: handshake state, the last
// acknowledged sequence number, and the display name. The session holds a
// non-owning reference for broadcast membership only.
type Conn struct {
	id    uuid.UUID
	clock clockwork.Clock
	log   *zap.SugaredLogger

	mu         sync.Mutex
	state      State
	transport  Transport
	lastSeq    int
	name       string
	identified chan struct{}
}

func New(clock clockwork.Clock, log *zap.SugaredLogger) *Conn {
	return &Conn{
		id:         uuid.New(),
		clock:      clock,
		log:        log,
		state:      StateListening,
		identified: make(chan struct{}),
	}
}

func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Conn) LastSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Accept stores the transport handle and moves listening -> accepted.
func (c *Conn) Accept(t Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListening {
		return fmt.Errorf("accept in state %s", c.state)
	}
	c.transport = t
	c.state = StateAccepted
	return nil
}

// Identify records the client-supplied sequence seed and display name,
// moves to established, and releases anyone waiting on the identify gate.
func (c *Conn) Identify(seq int, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateListening:
		return ErrNotAccepted
	case StateClosed:
		return ErrClosed
	case StateEstablished:
		return ErrAlreadyIdentified
	}
	c.lastSeq = seq
	c.name = name
	c.state = StateEstablished
	close(c.identified)
	return nil
}

// CheckSequence validates seq == last+1 for a non-identify command and
// advances the counter. On mismatch it reports error.invalid_sequence to the
// peer and returns a *SequenceError; the caller must treat that as fatal and
// close the connection.
func (c *Conn) CheckSequence(ctx context.Context, seq int) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateListening {
		c.mu.Unlock()
		return ErrNotAccepted
	}
	expected := c.lastSeq + 1
	if seq != expected {
		t := c.transport
		c.mu.Unlock()
		serr := &SequenceError{Got: seq, Expected: expected}
		if err := t.Send(ctx, wire.Response{
			Resp:     wire.RespInvalidSequence,
			Got:      serr.Got,
			Expected: serr.Expected,
		}); err != nil {
			c.log.Debugw("failed to report bad sequence", "conn", c.id, "err", err)
		}
		return serr
	}
	c.lastSeq = seq
	c.mu.Unlock()
	return nil
}

// Ack acknowledges the last accepted sequence number on this connection only.
func (c *Conn) Ack(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	t, seq := c.transport, c.lastSeq
	c.mu.Unlock()
	return t.Send(ctx, wire.Response{Resp: wire.RespAck, SeqNo: seq})
}

// Send relays a response to the peer, failing if the connection is closed.
func (c *Conn) Send(ctx context.Context, resp wire.Response) error {
	c.mu.Lock()
	if c.state == StateClosed || c.transport == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	t := c.transport
	c.mu.Unlock()
	return t.Send(ctx, resp)
}

// Close is idempotent: best-effort notify, release the transport, done.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.state = StateClosed
	c.transport = nil
	c.mu.Unlock()
	if t != nil {
		if err := t.Close(reason); err != nil {
			c.log.Debugw("transport close", "conn", c.id, "err", err)
		}
	}
}

// WatchIdentify races the identify gate against the timeout window. If the
// window elapses first the connection is closed with a distinct reason and
// further traffic is rejected; otherwise the watcher is a no-op.
func (c *Conn) WatchIdentify(ctx context.Context, window time.Duration) {
	go func() {
		select {
		case <-c.identified:
		case <-ctx.Done():
		case <-c.clock.After(window):
			// The gate wins a tie: a client that identified in time is
			// never torn down by a late-firing timer.
			select {
			case <-c.identified:
				return
			default:
			}
			c.log.Infow("client never identified", "conn", c.id)
			c.Close(CloseReasonIdentifyTimeout)
		}
	}()
}
