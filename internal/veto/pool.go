package veto

import "errors"

var ErrMapNotFound = errors.New("map not in undecided pool")
var ErrNoPickedMap = errors.New("no picked map to assign a side to")
var ErrSideAlreadySet = errors.New("most recent pick already has a side")

type Team string

const (
	Team1 Team = "team_1"
	Team2 Team = "team_2"
)

func (t Team) Other() Team {
	if t == Team1 {
		return Team2
	}
	return Team1
}

// Side is which side the non-picking team starts on. SideKnife marks the
// auto-decided final map: nobody chose, knife round decides.
type Side string

const (
	SideNone     Side = ""
	SideAttacker Side = "attacker"
	SideDefender Side = "defender"
	SideKnife    Side = "knife"
)

func ParseSide(s string) (Side, bool) {
	switch s {
	case string(SideAttacker):
		return SideAttacker, true
	case string(SideDefender):
		return SideDefender, true
	default:
		return SideNone, false
	}
}

type MapState string

const (
	MapUndecided     MapState = "undecided"
	MapBannedByTeam1 MapState = "banned_by_team_1"
	MapBannedByTeam2 MapState = "banned_by_team_2"
	MapPickedByTeam1 MapState = "picked_by_team_1"
	MapPickedByTeam2 MapState = "picked_by_team_2"
	MapDecider       MapState = "decider"
)

func bannedBy(t Team) MapState {
	if t == Team1 {
		return MapBannedByTeam1
	}
	return MapBannedByTeam2
}

func pickedBy(t Team) MapState {
	if t == Team1 {
		return MapPickedByTeam1
	}
	return MapPickedByTeam2
}

type Map struct {
	ID    int
	Name  string
	State MapState
	Side  Side
}

// Pool tracks one session's maps. A map moves out of undecided exactly once,
// into banned or picked, preserving the order of the moves. The counts of the
// three slices always sum to the original pool size.
type Pool struct {
	undecided []Map
	picked    []Map
	banned    []Map
	original  []Map
}

func NewPool(names []string) *Pool {
	original := make([]Map, len(names))
	for i, name := range names {
		original[i] = Map{ID: i + 1, Name: name, State: MapUndecided}
	}
	p := &Pool{original: original}
	p.Reset()
	return p
}

// Reset re-clones the original pool, discarding all bans, picks, and sides.
func (p *Pool) Reset() {
	p.undecided = append([]Map(nil), p.original...)
	p.picked = nil
	p.banned = nil
}

func (p *Pool) take(name string) (Map, bool) {
	for i, m := range p.undecided {
		if m.Name == name {
			p.undecided = append(p.undecided[:i], p.undecided[i+1:]...)
			return m, true
		}
	}
	return Map{}, false
}

func (p *Pool) Ban(name string, by Team) (Map, error) {
	m, ok := p.take(name)
	if !ok {
		return Map{}, ErrMapNotFound
	}
	m.State = bannedBy(by)
	p.banned = append(p.banned, m)
	return m, nil
}

func (p *Pool) Pick(name string, by Team) (Map, error) {
	m, ok := p.take(name)
	if !ok {
		return Map{}, ErrMapNotFound
	}
	m.State = pickedBy(by)
	p.picked = append(p.picked, m)
	return m, nil
}

// AssignSide sets a side on the most recently picked map. It refuses to
// re-side a map: a second side call without an intervening pick is ambiguous.
func (p *Pool) AssignSide(s Side) (Map, error) {
	if len(p.picked) == 0 {
		return Map{}, ErrNoPickedMap
	}
	last := &p.picked[len(p.picked)-1]
	if last.Side != SideNone {
		return Map{}, ErrSideAlreadySet
	}
	last.Side = s
	return *last, nil
}

// resolveDecider moves the sole remaining undecided map into picked with the
// knife-round marker. Callers must ensure exactly one map remains.
func (p *Pool) resolveDecider() Map {
	m := p.undecided[0]
	p.undecided = nil
	m.State = MapDecider
	m.Side = SideKnife
	p.picked = append(p.picked, m)
	return m
}

func (p *Pool) UndecidedCount() int { return len(p.undecided) }

func (p *Pool) Size() int { return len(p.original) }

func (p *Pool) Picked() []Map { return append([]Map(nil), p.picked...) }
func (p *Pool) Banned() []Map { return append([]Map(nil), p.banned...) }

// Snapshot is the broadcast view: undecided, then picked, then banned, each
// in insertion order.
func (p *Pool) Snapshot() []Map {
	out := make([]Map, 0, len(p.original))
	out = append(out, p.undecided...)
	out = append(out, p.picked...)
	out = append(out, p.banned...)
	return out
}
