package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapveto/backend/internal/protocol"
	"github.com/mapveto/backend/internal/veto"
	"github.com/mapveto/backend/internal/wire"
)

var ErrNotAttached = errors.New("connection not attached to session")
var ErrNotOnTeam = errors.New("connection is not on a team")
var ErrUnknownTeam = errors.New("no such team")
var ErrRosterFrozen = errors.New("rosters are frozen once the picker starts")
var ErrAlreadyStarted = errors.New("map picker already started")
var ErrNotStarted = errors.New("map picker has not started")
var ErrBadSide = errors.New("side must be attacker or defender")
var ErrUnknownCommand = errors.New("unknown command")

// PhaseReady is the pre-veto phase name, before start_map_picker.
const PhaseReady = "ready"

type Msg interface{ isSessionMsg() }

// Attach registers a connection and its outbox for broadcasts.
type Attach struct {
	Conn   *protocol.Conn
	Outbox chan wire.Response
}

func (Attach) isSessionMsg() {}

type Detach struct{ ConnID uuid.UUID }

func (Detach) isSessionMsg() {}

// FromConn carries one sequence-validated command. Reply (buffered) receives
// the routing outcome so the connection loop can ack or surface a rejection.
type FromConn struct {
	ConnID uuid.UUID
	Cmd    wire.Command
	Reply  chan error
}

func (FromConn) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

// GetState reflects internal state for tests without data races.
type GetState struct{ Reply chan View }

func (GetState) isSessionMsg() {}

type View struct {
	Phase     string
	Started   bool
	Finalized bool
	NumConns  int
	TeamNames [2]string
	TeamSizes [2]int
}

type Config struct {
	FixtureID string
	MapPool   []string
	Team1Name string
	Team2Name string
	Format    veto.Format

	// OnComplete fires exactly once, after the finalizing broadcast, so the
	// collaborator can persist the result.
	OnComplete func(veto.Result)

	Log *zap.SugaredLogger
}

type attached struct {
	conn   *protocol.Conn
	outbox chan wire.Response
}

type slot struct {
	name    string
	members []uuid.UUID
}

// Session is the per-fixture actor: one veto machine, one roster, N attached
// connections. All state is touched only inside loop, one command at a time.
type Session struct {
	inbox      chan Msg
	fixtureID  string
	machine    *veto.Machine
	started    bool
	completed  bool
	conns      map[uuid.UUID]*attached
	slots      [2]slot
	onComplete func(veto.Result)
	log        *zap.SugaredLogger
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(parent context.Context, cfg Config) (*Session, error) {
	machine, err := veto.NewMachine(cfg.Format, cfg.MapPool)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		inbox:      make(chan Msg, 64),
		fixtureID:  cfg.FixtureID,
		machine:    machine,
		conns:      make(map[uuid.UUID]*attached),
		slots:      [2]slot{{name: cfg.Team1Name}, {name: cfg.Team2Name}},
		onComplete: cfg.OnComplete,
		log:        cfg.Log,
		ctx:        ctx,
		cancel:     cancel,
	}
	go s.loop()
	return s, nil
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Attach:
				s.conns[msg.Conn.ID()] = &attached{conn: msg.Conn, outbox: msg.Outbox}
				// New connection sees the world immediately.
				s.sendState(msg.Outbox)
				s.sendRosters(msg.Outbox)

			case Detach:
				s.drop(msg.ConnID, false)

			case FromConn:
				msg.Reply <- s.handleCommand(msg.ConnID, msg.Cmd)

			case GetState:
				msg.Reply <- View{
					Phase:     s.phaseName(),
					Started:   s.started,
					Finalized: s.machine.Finalized(),
					NumConns:  len(s.conns),
					TeamNames: [2]string{s.slots[0].name, s.slots[1].name},
					TeamSizes: [2]int{len(s.slots[0].members), len(s.slots[1].members)},
				}

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) shutdown() {
	for id := range s.conns {
		s.drop(id, false)
	}
	s.cancel()
}

// handleCommand is the single dispatch point. Wildcard commands (chat,
// team_chat, identify, abort) are checked before any state-scoped routing.
func (s *Session) handleCommand(connID uuid.UUID, cmd wire.Command) error {
	a := s.conns[connID]
	if a == nil {
		return ErrNotAttached
	}

	switch cmd.Cmd {
	case wire.CmdIdentifyClient:
		// Real transition lives at the protocol layer; a self-loop here.
		return nil

	case wire.CmdChat:
		s.broadcast(wire.Response{
			Resp:    wire.RespChat,
			Player:  a.conn.Name(),
			Message: cmd.Message,
		})
		return nil

	case wire.CmdTeamChat:
		idx, ok := s.rosterOf(connID)
		if !ok {
			return ErrNotOnTeam
		}
		s.broadcastTeam(idx, wire.Response{
			Resp:    wire.RespTeamChat,
			Team:    s.slots[idx].name,
			Player:  a.conn.Name(),
			Message: cmd.Message,
		})
		return nil

	case wire.CmdAbort:
		s.machine.Reset()
		s.started = false
		s.broadcastState()
		return nil

	case wire.CmdJoinTeam:
		if s.started {
			return ErrRosterFrozen
		}
		return s.joinTeam(connID, cmd.TeamName)

	case wire.CmdSwitchTeams:
		if s.started {
			return ErrRosterFrozen
		}
		return s.switchTeams(connID)

	case wire.CmdSetTeamName:
		if s.started {
			return ErrRosterFrozen
		}
		if cmd.TeamID != 1 && cmd.TeamID != 2 {
			return ErrUnknownTeam
		}
		s.slots[cmd.TeamID-1].name = cmd.Name
		s.broadcastRoster(cmd.TeamID - 1)
		return nil

	case wire.CmdStartMapPicker:
		if s.started {
			return ErrAlreadyStarted
		}
		s.started = true
		s.broadcastState()
		return nil

	case wire.CmdBanMap, wire.CmdPickMap, wire.CmdPickSide:
		return s.handleVeto(connID, cmd)

	default:
		return ErrUnknownCommand
	}
}

func (s *Session) handleVeto(connID uuid.UUID, cmd wire.Command) error {
	if !s.started {
		return ErrNotStarted
	}
	idx, ok := s.rosterOf(connID)
	if !ok {
		return ErrNotOnTeam
	}
	team := veto.Team1
	if idx == 1 {
		team = veto.Team2
	}

	vc := veto.Command{Team: team, MapName: cmd.MapName}
	switch cmd.Cmd {
	case wire.CmdBanMap:
		vc.Type = veto.CmdBanMap
	case wire.CmdPickMap:
		vc.Type = veto.CmdPickMap
	case wire.CmdPickSide:
		side, ok := veto.ParseSide(cmd.Side)
		if !ok {
			return ErrBadSide
		}
		vc.Type = veto.CmdPickSide
		vc.Side = side
	}

	events, err := s.machine.Apply(vc)
	if err != nil {
		return err
	}
	s.broadcastState()

	if s.machine.Finalized() && !s.completed {
		s.completed = true
		s.log.Infow("veto finalized", "fixture", s.fixtureID, "events", len(events))
		if s.onComplete != nil {
			s.onComplete(s.machine.Result())
		}
	}
	return nil
}

func (s *Session) joinTeam(connID uuid.UUID, teamName string) error {
	target := -1
	for i := range s.slots {
		if s.slots[i].name == teamName {
			target = i
			break
		}
	}
	if target < 0 {
		return ErrUnknownTeam
	}
	if prev, ok := s.rosterOf(connID); ok {
		if prev == target {
			return nil
		}
		s.removeFromSlot(prev, connID)
		s.broadcastRoster(prev)
	}
	s.slots[target].members = append(s.slots[target].members, connID)
	s.broadcastRoster(target)
	return nil
}

func (s *Session) switchTeams(connID uuid.UUID) error {
	prev, ok := s.rosterOf(connID)
	if !ok {
		return ErrNotOnTeam
	}
	next := 1 - prev
	s.removeFromSlot(prev, connID)
	s.slots[next].members = append(s.slots[next].members, connID)
	s.broadcastRoster(prev)
	s.broadcastRoster(next)
	return nil
}

func (s *Session) rosterOf(connID uuid.UUID) (int, bool) {
	for i := range s.slots {
		for _, id := range s.slots[i].members {
			if id == connID {
				return i, true
			}
		}
	}
	return 0, false
}

func (s *Session) removeFromSlot(idx int, connID uuid.UUID) {
	members := s.slots[idx].members
	for i, id := range members {
		if id == connID {
			s.slots[idx].members = append(members[:i], members[i+1:]...)
			return
		}
	}
}

func (s *Session) phaseName() string {
	if !s.started {
		return PhaseReady
	}
	return string(s.machine.Phase())
}

func (s *Session) poolView() []wire.MapView {
	snap := s.machine.Pool().Snapshot()
	out := make([]wire.MapView, len(snap))
	for i, m := range snap {
		out[i] = wire.MapView{
			ID:    m.ID,
			Name:  m.Name,
			State: string(m.State),
			Side:  string(m.Side),
		}
	}
	return out
}

func (s *Session) sendState(out chan wire.Response) {
	s.send(out, wire.Response{Resp: wire.RespMapPoolUpdate, Maps: s.poolView()})
	s.send(out, wire.Response{Resp: wire.RespPhaseUpdate, Phase: s.phaseName()})
}

func (s *Session) sendRosters(out chan wire.Response) {
	for idx := range s.slots {
		s.send(out, s.rosterUpdate(idx))
	}
}

func (s *Session) rosterUpdate(idx int) wire.Response {
	players := make([]string, 0, len(s.slots[idx].members))
	for _, id := range s.slots[idx].members {
		if a := s.conns[id]; a != nil {
			players = append(players, a.conn.Name())
		}
	}
	return wire.Response{
		Resp:     wire.RespTeamRosterUpdate,
		TeamIdx:  idx + 1,
		TeamName: s.slots[idx].name,
		Players:  players,
	}
}

// broadcastState is the pair every state-changing transition owes the room:
// the ordered pool view, then the leaf phase name.
func (s *Session) broadcastState() {
	s.broadcast(wire.Response{Resp: wire.RespMapPoolUpdate, Maps: s.poolView()})
	s.broadcast(wire.Response{Resp: wire.RespPhaseUpdate, Phase: s.phaseName()})
}

func (s *Session) broadcastRoster(idx int) {
	s.broadcast(s.rosterUpdate(idx))
}

func (s *Session) broadcast(resp wire.Response) {
	for id, a := range s.conns {
		select {
		case a.outbox <- resp:
		default:
			// Slow or dead connection: equivalent to a disconnect. Never
			// blocks the others or the triggering command.
			s.log.Infow("dropping slow connection", "fixture", s.fixtureID, "conn", id)
			s.drop(id, true)
		}
	}
}

func (s *Session) broadcastTeam(idx int, resp wire.Response) {
	// drop mutates the member slice, so walk a copy.
	members := append([]uuid.UUID(nil), s.slots[idx].members...)
	for _, id := range members {
		a := s.conns[id]
		if a == nil {
			continue
		}
		select {
		case a.outbox <- resp:
		default:
			s.drop(id, true)
		}
	}
}

func (s *Session) send(out chan wire.Response, resp wire.Response) {
	select {
	case out <- resp:
	default:
	}
}

func (s *Session) drop(connID uuid.UUID, closeOutbox bool) {
	a := s.conns[connID]
	if a == nil {
		return
	}
	delete(s.conns, connID)
	if idx, ok := s.rosterOf(connID); ok {
		s.removeFromSlot(idx, connID)
		s.broadcastRoster(idx)
	}
	if closeOutbox {
		close(a.outbox) // tells the writer goroutine to stop
	}
}
