package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mapveto/backend/internal/hub"
	"github.com/mapveto/backend/internal/protocol"
	"github.com/mapveto/backend/internal/session"
	"github.com/mapveto/backend/internal/wire"
)

const writeTimeout = 3 * time.Second

// wsTransport adapts a websocket to protocol.Transport. coder/websocket
// serializes concurrent writers, so protocol sends and the broadcast writer
// can share the connection.
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Send(ctx context.Context, resp wire.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(wctx, websocket.MessageText, payload)
}

func (t wsTransport) Close(reason string) error {
	status := websocket.StatusNormalClosure
	if reason == protocol.CloseReasonIdentifyTimeout {
		status = websocket.StatusPolicyViolation
	}
	return t.conn.Close(status, reason)
}

// Handler upgrades /ws?fixture=<id>, runs the per-connection protocol
// machine, and bridges validated commands into the fixture's session actor.
func Handler(h *hub.Hub, clock clockwork.Clock, identifyWindow time.Duration, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fixtureID := r.URL.Query().Get("fixture")
		if fixtureID == "" {
			http.Error(w, "missing fixture", http.StatusBadRequest)
			return
		}

		reply := make(chan *session.Session, 1)
		h.Inbox() <- hub.GetSession{FixtureID: fixtureID, Reply: reply}
		s := <-reply
		if s == nil {
			http.Error(w, "fixture not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		pc := protocol.New(clock, log)
		if err := pc.Accept(wsTransport{conn: conn}); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "accept failed")
			return
		}
		defer pc.Close("bye")

		connCtx, cancel := context.WithCancel(r.Context())
		defer cancel()
		pc.WatchIdentify(connCtx, identifyWindow)

		out := make(chan wire.Response, 16)
		s.Inbox() <- session.Attach{Conn: pc, Outbox: out}
		defer func() { s.Inbox() <- session.Detach{ConnID: pc.ID()} }()

		// Writer: drains session broadcasts until the session closes the
		// outbox (slow drop) or this handler returns.
		go func() {
			for {
				select {
				case <-connCtx.Done():
					return
				case resp, ok := <-out:
					if !ok {
						return
					}
					if err := pc.Send(connCtx, resp); err != nil {
						return
					}
				}
			}
		}()

		readLoop(connCtx, conn, pc, s, log)
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, pc *protocol.Conn, s *session.Session, log *zap.SugaredLogger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var cmd wire.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = pc.Send(ctx, wire.Response{Resp: wire.RespServerError, Message: "bad json"})
			continue
		}

		// Identify drives the protocol layer only: it seeds the sequence
		// counter and is exempt from validation and acks.
		if cmd.Cmd == wire.CmdIdentifyClient {
			if err := pc.Identify(cmd.SeqNo, cmd.Name); err != nil {
				_ = pc.Send(ctx, wire.Response{Resp: wire.RespServerError, Message: err.Error()})
			}
			continue
		}

		if err := pc.CheckSequence(ctx, cmd.SeqNo); err != nil {
			// Out-of-order traffic is fatal to this connection's loop.
			log.Infow("protocol violation", "conn", pc.ID(), "err", err)
			return
		}

		reply := make(chan error, 1)
		select {
		case s.Inbox() <- session.FromConn{ConnID: pc.ID(), Cmd: cmd, Reply: reply}:
		case <-ctx.Done():
			return
		}
		var cmdErr error
		select {
		case cmdErr = <-reply:
		case <-ctx.Done():
			return
		}

		if cmdErr != nil {
			// Rejections surface to the acting connection only.
			_ = pc.Send(ctx, wire.Response{Resp: wire.RespServerError, Message: cmdErr.Error()})
		}
		// The sequence number was consumed either way; ack it so the client
		// can send its next command.
		if err := pc.Ack(ctx); err != nil && !errors.Is(err, protocol.ErrClosed) {
			return
		}
	}
}
