package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mapveto/backend/internal/protocol"
	"github.com/mapveto/backend/internal/veto"
	"github.com/mapveto/backend/internal/wire"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, wire.Response) error { return nil }
func (nopTransport) Close(string) error                        { return nil }

func newTestConn(t *testing.T, name string) *protocol.Conn {
	t.Helper()
	c := protocol.New(clockwork.NewRealClock(), zap.NewNop().Sugar())
	if err := c.Accept(nopTransport{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := c.Identify(0, name); err != nil {
		t.Fatalf("identify: %v", err)
	}
	return c
}

func newTestSession(t *testing.T, format veto.Format, pool []string, onComplete func(veto.Result)) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := New(ctx, Config{
		FixtureID:  "FX1",
		MapPool:    pool,
		Team1Name:  "Alpha",
		Team2Name:  "Bravo",
		Format:     format,
		OnComplete: onComplete,
		Log:        zap.NewNop().Sugar(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

// attach registers a conn and drains nothing; callers read the outbox.
func attach(t *testing.T, s *Session, c *protocol.Conn) chan wire.Response {
	t.Helper()
	out := make(chan wire.Response, 32)
	s.Inbox() <- Attach{Conn: c, Outbox: out}
	return out
}

func sendCmd(t *testing.T, s *Session, c *protocol.Conn, cmd wire.Command) error {
	t.Helper()
	reply := make(chan error, 1)
	s.Inbox() <- FromConn{ConnID: c.ID(), Cmd: cmd, Reply: reply}
	select {
	case err := <-reply:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for command reply")
		return nil // unreachable
	}
}

// waitFor drains the outbox until a response with the given tag arrives.
func waitFor(t *testing.T, ch <-chan wire.Response, tag string) wire.Response {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed while waiting for %q", tag)
			}
			if resp.Resp == tag {
				return resp
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", tag)
		}
	}
}

func recvNothing(t *testing.T, ch <-chan wire.Response, within time.Duration) {
	t.Helper()
	select {
	case resp := <-ch:
		t.Fatalf("expected no response, got %+v", resp)
	case <-time.After(within):
	}
}

func getView(t *testing.T, s *Session) View {
	t.Helper()
	reply := make(chan View, 1)
	s.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func TestAttach_SendsCurrentState(t *testing.T) {
	s := newTestSession(t, veto.FormatBO1, []string{"a", "b", "c"}, nil)
	c := newTestConn(t, "alice")
	out := attach(t, s, c)

	pool := waitFor(t, out, wire.RespMapPoolUpdate)
	if len(pool.Maps) != 3 {
		t.Fatalf("pool view: got %d maps", len(pool.Maps))
	}
	phase := waitFor(t, out, wire.RespPhaseUpdate)
	if phase.Phase != PhaseReady {
		t.Fatalf("phase: got %q, want %q", phase.Phase, PhaseReady)
	}
	roster := waitFor(t, out, wire.RespTeamRosterUpdate)
	if roster.TeamIdx != 1 || roster.TeamName != "Alpha" {
		t.Fatalf("roster: %+v", roster)
	}
}

func TestChat_ReachesEveryone(t *testing.T) {
	s := newTestSession(t, veto.FormatBO1, []string{"a", "b", "c"}, nil)
	c1 := newTestConn(t, "alice")
	c2 := newTestConn(t, "bob")
	out1 := attach(t, s, c1)
	out2 := attach(t, s, c2)

	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdChat, Message: "glhf"}); err != nil {
		t.Fatalf("chat: %v", err)
	}

	for _, out := range []chan wire.Response{out1, out2} {
		msg := waitFor(t, out, wire.RespChat)
		if msg.Player != "alice" || msg.Message != "glhf" {
			t.Fatalf("chat payload: %+v", msg)
		}
	}
}

func TestTeamChat_RosterScoped(t *testing.T) {
	s := newTestSession(t, veto.FormatBO1, []string{"a", "b", "c"}, nil)
	c1 := newTestConn(t, "alice")
	c2 := newTestConn(t, "bob")
	c3 := newTestConn(t, "eve")
	out1 := attach(t, s, c1)
	out2 := attach(t, s, c2)
	out3 := attach(t, s, c3)

	// Unrostered sender is rejected with no broadcast.
	err := sendCmd(t, s, c3, wire.Command{Cmd: wire.CmdTeamChat, Message: "psst"})
	if !errors.Is(err, ErrNotOnTeam) {
		t.Fatalf("got %v, want %v", err, ErrNotOnTeam)
	}

	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Alpha"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := sendCmd(t, s, c2, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Bravo"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdTeamChat, Message: "rush b"}); err != nil {
		t.Fatalf("team chat: %v", err)
	}

	msg := waitFor(t, out1, wire.RespTeamChat)
	if msg.Team != "Alpha" || msg.Player != "alice" || msg.Message != "rush b" {
		t.Fatalf("team chat payload: %+v", msg)
	}

	// Drain bob's and eve's roster noise, then confirm silence.
	waitFor(t, out2, wire.RespTeamRosterUpdate)
	for len(out2) > 0 {
		<-out2
	}
	recvNothing(t, out2, 100*time.Millisecond)
	for len(out3) > 0 {
		<-out3
	}
	recvNothing(t, out3, 100*time.Millisecond)
}

func TestRoster_FrozenOnceStarted(t *testing.T) {
	s := newTestSession(t, veto.FormatBO1, []string{"a", "b", "c"}, nil)
	c1 := newTestConn(t, "alice")
	c2 := newTestConn(t, "bob")
	attach(t, s, c1)
	attach(t, s, c2)

	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Alpha"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdStartMapPicker}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Payload validity doesn't matter: rosters are frozen.
	err := sendCmd(t, s, c2, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Bravo"})
	if !errors.Is(err, ErrRosterFrozen) {
		t.Fatalf("join after start: got %v, want %v", err, ErrRosterFrozen)
	}
	err = sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdSwitchTeams})
	if !errors.Is(err, ErrRosterFrozen) {
		t.Fatalf("switch after start: got %v, want %v", err, ErrRosterFrozen)
	}
	err = sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdSetTeamName, TeamID: 1, Name: "Omega"})
	if !errors.Is(err, ErrRosterFrozen) {
		t.Fatalf("rename after start: got %v, want %v", err, ErrRosterFrozen)
	}
}

func TestBO1_FullFlow(t *testing.T) {
	done := make(chan veto.Result, 1)
	s := newTestSession(t, veto.FormatBO1, []string{"dust2", "mirage", "inferno"}, func(r veto.Result) {
		done <- r
	})
	c1 := newTestConn(t, "alice")
	c2 := newTestConn(t, "bob")
	out1 := attach(t, s, c1)
	attach(t, s, c2)

	mustCmd := func(c *protocol.Conn, cmd wire.Command) {
		t.Helper()
		if err := sendCmd(t, s, c, cmd); err != nil {
			t.Fatalf("%s: %v", cmd.Cmd, err)
		}
	}

	mustCmd(c1, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Alpha"})
	mustCmd(c2, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Bravo"})

	// Veto commands before start are rejected.
	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdBanMap, MapName: "dust2"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("ban before start: got %v, want %v", err, ErrNotStarted)
	}

	mustCmd(c1, wire.Command{Cmd: wire.CmdStartMapPicker})

	// Bob is team 2; it is not his turn yet.
	if err := sendCmd(t, s, c2, wire.Command{Cmd: wire.CmdBanMap, MapName: "dust2"}); !errors.Is(err, veto.ErrWrongTurn) {
		t.Fatalf("out-of-turn ban: got %v, want %v", err, veto.ErrWrongTurn)
	}

	mustCmd(c1, wire.Command{Cmd: wire.CmdBanMap, MapName: "dust2"})
	mustCmd(c2, wire.Command{Cmd: wire.CmdBanMap, MapName: "mirage"})

	select {
	case res := <-done:
		if len(res.Picked) != 1 || res.Picked[0].Name != "inferno" || res.Picked[0].Side != veto.SideKnife {
			t.Fatalf("result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion callback")
	}

	// The finalizing broadcast reports the terminal leaf phase.
	for {
		phase := waitFor(t, out1, wire.RespPhaseUpdate)
		if phase.Phase == string(veto.PhaseFinalMap) {
			break
		}
	}
}

func TestAbort_ResetsToReady(t *testing.T) {
	s := newTestSession(t, veto.FormatBO1, []string{"a", "b", "c"}, nil)
	c1 := newTestConn(t, "alice")
	attach(t, s, c1)

	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Alpha"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdStartMapPicker}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdBanMap, MapName: "a"}); err != nil {
		t.Fatalf("ban: %v", err)
	}

	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdAbort}); err != nil {
		t.Fatalf("abort: %v", err)
	}

	v := getView(t, s)
	if v.Started || v.Phase != PhaseReady {
		t.Fatalf("after abort: %+v", v)
	}

	// Rosters stayed intact and un-frozen: joining is legal again.
	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdSwitchTeams}); err != nil {
		t.Fatalf("switch after abort: %v", err)
	}
}

func TestBroadcast_DropsSlowConnection(t *testing.T) {
	s := newTestSession(t, veto.FormatBO1, []string{"a", "b", "c"}, nil)
	fast := newTestConn(t, "fast")
	slow := newTestConn(t, "slow")
	attach(t, s, fast)

	// An unbuffered outbox with no reader fills instantly.
	slowOut := make(chan wire.Response)
	s.Inbox() <- Attach{Conn: slow, Outbox: slowOut}

	if err := sendCmd(t, s, fast, wire.Command{Cmd: wire.CmdChat, Message: "hello"}); err != nil {
		t.Fatalf("chat: %v", err)
	}

	v := getView(t, s)
	if v.NumConns != 1 {
		t.Fatalf("expected slow connection to be dropped, NumConns=%d", v.NumConns)
	}
}

func TestDetach_RemovesFromRoster(t *testing.T) {
	s := newTestSession(t, veto.FormatBO1, []string{"a", "b", "c"}, nil)
	c1 := newTestConn(t, "alice")
	c2 := newTestConn(t, "bob")
	attach(t, s, c1)
	out2 := attach(t, s, c2)

	if err := sendCmd(t, s, c1, wire.Command{Cmd: wire.CmdJoinTeam, TeamName: "Alpha"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Bob sees alice join, then sees the roster empty out on detach.
	for {
		roster := waitFor(t, out2, wire.RespTeamRosterUpdate)
		if roster.TeamIdx == 1 && len(roster.Players) == 1 {
			break
		}
	}
	s.Inbox() <- Detach{ConnID: c1.ID()}
	for {
		roster := waitFor(t, out2, wire.RespTeamRosterUpdate)
		if roster.TeamIdx == 1 && len(roster.Players) == 0 {
			break
		}
	}
	v := getView(t, s)
	if v.NumConns != 1 || v.TeamSizes[0] != 0 {
		t.Fatalf("after detach: %+v", v)
	}
}
