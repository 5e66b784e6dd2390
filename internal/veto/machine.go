package veto

import "errors"

var ErrWrongTurn = errors.New("invalid turn")
var ErrVetoCompleted = errors.New("veto already completed")
var ErrPoolTooSmall = errors.New("map pool too small for format")

type Format string

const (
	FormatBO1 Format = "bo1"
	FormatBO3 Format = "bo3"
)

func ParseFormat(s string) (Format, bool) {
	switch s {
	case string(FormatBO1):
		return FormatBO1, true
	case string(FormatBO3):
		return FormatBO3, true
	default:
		return "", false
	}
}

// Outer machine. BO1 sits in outerBanning for its whole life; BO3 walks the
// pick/side steps first and enters outerBanning with the leftover pool.
type outerPhase int

const (
	outerTeam1PickMap outerPhase = iota
	outerTeam2PickSide
	outerTeam2PickMap
	outerTeam1PickSide
	outerBanning
	outerDone
)

// Inner banning machine, shared by BO1 and the nested tail of BO3. Its
// terminal step is translated to outerDone by the dispatcher.
type banPhase int

const (
	banTeam1 banPhase = iota
	banTeam2
	banFinal
)

// Phase is the leaf state name broadcast to clients.
type Phase string

const (
	PhaseTeam1Ban      Phase = "team_1_ban"
	PhaseTeam2Ban      Phase = "team_2_ban"
	PhaseTeam1PickMap  Phase = "team_1_pick_map"
	PhaseTeam2PickSide Phase = "team_2_pick_side"
	PhaseTeam2PickMap  Phase = "team_2_pick_map"
	PhaseTeam1PickSide Phase = "team_1_pick_side"
	PhaseFinalMap      Phase = "final_map"
	PhaseFinalMaps     Phase = "final_maps"
)

type CommandType string

const (
	CmdBanMap   CommandType = "BanMap"
	CmdPickMap  CommandType = "PickMap"
	CmdPickSide CommandType = "PickSide"
)

type Command struct {
	Type    CommandType
	Team    Team
	MapName string
	Side    Side
}

type EventType string

const (
	EvtMapBanned     EventType = "MapBanned"
	EvtMapPicked     EventType = "MapPicked"
	EvtSideAssigned  EventType = "SideAssigned"
	EvtDeciderChosen EventType = "DeciderChosen"
	EvtVetoCompleted EventType = "VetoCompleted"
)

type Event struct {
	Type EventType
	Team Team
	Map  Map
}

type Result struct {
	Picked []Map
	Banned []Map
}

// Machine drives one session's veto. Callers must serialize Apply; the
// session actor is the only mutator.
type Machine struct {
	format    Format
	pool      *Pool
	outer     outerPhase
	ban       banPhase
	finalized bool
}

func NewMachine(format Format, mapNames []string) (*Machine, error) {
	need := 2
	if format == FormatBO3 {
		need = 4 // two picks plus at least two maps for the ban tail
	}
	if len(mapNames) < need {
		return nil, ErrPoolTooSmall
	}
	m := &Machine{format: format, pool: NewPool(mapNames)}
	m.rewind()
	return m, nil
}

func (m *Machine) rewind() {
	if m.format == FormatBO1 {
		m.outer = outerBanning
	} else {
		m.outer = outerTeam1PickMap
	}
	m.ban = banTeam1
	m.finalized = false
}

// Reset re-clones the original pool and returns to the initial phase.
func (m *Machine) Reset() {
	m.pool.Reset()
	m.rewind()
}

func (m *Machine) Format() Format { return m.format }

func (m *Machine) Finalized() bool { return m.finalized }

func (m *Machine) Pool() *Pool { return m.pool }

func (m *Machine) Result() Result {
	return Result{Picked: m.pool.Picked(), Banned: m.pool.Banned()}
}

// Phase reports the leaf state name, with the nested banning steps exposed
// directly (no hierarchical prefix).
func (m *Machine) Phase() Phase {
	switch m.outer {
	case outerTeam1PickMap:
		return PhaseTeam1PickMap
	case outerTeam2PickSide:
		return PhaseTeam2PickSide
	case outerTeam2PickMap:
		return PhaseTeam2PickMap
	case outerTeam1PickSide:
		return PhaseTeam1PickSide
	case outerBanning:
		if m.ban == banTeam1 {
			return PhaseTeam1Ban
		}
		return PhaseTeam2Ban
	default:
		if m.format == FormatBO1 {
			return PhaseFinalMap
		}
		return PhaseFinalMaps
	}
}

// CurrentTeam is whichever team acts next; meaningless once finalized.
func (m *Machine) CurrentTeam() Team {
	switch m.outer {
	case outerTeam1PickMap, outerTeam1PickSide:
		return Team1
	case outerTeam2PickMap, outerTeam2PickSide:
		return Team2
	default:
		if m.ban == banTeam1 {
			return Team1
		}
		return Team2
	}
}

// Apply runs one transition. A guard failure leaves the machine untouched
// and returns the reason; events are non-empty iff state changed.
func (m *Machine) Apply(cmd Command) ([]Event, error) {
	if m.finalized {
		return nil, ErrVetoCompleted
	}

	switch m.outer {
	case outerTeam1PickMap, outerTeam2PickMap:
		team := Team1
		if m.outer == outerTeam2PickMap {
			team = Team2
		}
		if cmd.Type != CmdPickMap || cmd.Team != team {
			return nil, ErrWrongTurn
		}
		picked, err := m.pool.Pick(cmd.MapName, team)
		if err != nil {
			return nil, err
		}
		m.outer++
		return []Event{{Type: EvtMapPicked, Team: team, Map: picked}}, nil

	case outerTeam2PickSide, outerTeam1PickSide:
		team := Team2
		if m.outer == outerTeam1PickSide {
			team = Team1
		}
		if cmd.Type != CmdPickSide || cmd.Team != team {
			return nil, ErrWrongTurn
		}
		sided, err := m.pool.AssignSide(cmd.Side)
		if err != nil {
			return nil, err
		}
		m.outer++ // after team 1's side call this lands on outerBanning
		return []Event{{Type: EvtSideAssigned, Team: team, Map: sided}}, nil

	case outerBanning:
		return m.applyBan(cmd)

	default:
		return nil, ErrVetoCompleted
	}
}

func (m *Machine) applyBan(cmd Command) ([]Event, error) {
	team := Team1
	if m.ban == banTeam2 {
		team = Team2
	}
	if cmd.Type != CmdBanMap || cmd.Team != team {
		return nil, ErrWrongTurn
	}
	banned, err := m.pool.Ban(cmd.MapName, team)
	if err != nil {
		return nil, err
	}
	events := []Event{{Type: EvtMapBanned, Team: team, Map: banned}}

	if m.pool.UndecidedCount() == 1 {
		// The ban that leaves one map finalizes in the same step: the
		// leftover becomes the knife-round decider, no command needed.
		decider := m.pool.resolveDecider()
		m.ban = banFinal
		m.outer = outerDone
		m.finalized = true
		events = append(events,
			Event{Type: EvtDeciderChosen, Map: decider},
			Event{Type: EvtVetoCompleted},
		)
		return events, nil
	}

	if m.ban == banTeam1 {
		m.ban = banTeam2
	} else {
		m.ban = banTeam1
	}
	return events, nil
}
