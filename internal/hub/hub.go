package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/mapveto/backend/internal/session"
	"github.com/mapveto/backend/internal/veto"
)

// Persister stores a completed veto result durably. The hub tears the
// session down after it returns.
type Persister func(ctx context.Context, fixtureID string, res veto.Result) error

type HubMsg interface{ isHubMsg() }

type CreateSession struct {
	FixtureID string
	Cfg       session.Config
	Reply     chan *session.Session
}

type GetSession struct {
	FixtureID string
	Reply     chan *session.Session
}

type RemoveSession struct {
	FixtureID string
}

type ShutdownHub struct{}

func (CreateSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (RemoveSession) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

// Hub is the registry of live veto sessions, keyed by fixture id. Creation
// is explicit (the fixture endpoint); teardown happens once a session
// finalizes and the result has been handed to the persister.
type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session.Session
	persist  Persister
	log      *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, persist Persister, log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session.Session),
		persist:  persist,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				if s := h.sessions[msg.FixtureID]; s != nil {
					msg.Reply <- s
					break
				}
				cfg := msg.Cfg
				cfg.FixtureID = msg.FixtureID
				cfg.OnComplete = h.completionFor(msg.FixtureID)
				s, err := session.New(h.ctx, cfg)
				if err != nil {
					h.log.Errorw("create session", "fixture", msg.FixtureID, "err", err)
					msg.Reply <- nil
					break
				}
				h.sessions[msg.FixtureID] = s
				msg.Reply <- s

			case GetSession:
				msg.Reply <- h.sessions[msg.FixtureID] // may be nil

			case RemoveSession:
				if s := h.sessions[msg.FixtureID]; s != nil {
					s.Inbox() <- session.Shutdown{}
					delete(h.sessions, msg.FixtureID)
				}

			case ShutdownHub:
				for _, s := range h.sessions {
					s.Inbox() <- session.Shutdown{}
				}
				clear(h.sessions)
				h.cancel()
			}
		}
	}
}

// completionFor persists the finalized result and then removes the session.
// It runs on the session's goroutine, so teardown goes through the inbox.
func (h *Hub) completionFor(fixtureID string) func(veto.Result) {
	return func(res veto.Result) {
		if h.persist != nil {
			if err := h.persist(h.ctx, fixtureID, res); err != nil {
				h.log.Errorw("persist veto result", "fixture", fixtureID, "err", err)
			}
		}
		h.inbox <- RemoveSession{FixtureID: fixtureID}
	}
}
