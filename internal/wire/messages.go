package wire

// Client -> server command tags.
const (
	CmdIdentifyClient = "identify_client"
	CmdChat           = "chat"
	CmdTeamChat       = "team_chat"
	CmdJoinTeam       = "join_team"
	CmdSwitchTeams    = "switch_teams"
	CmdSetTeamName    = "set_team_name"
	CmdStartMapPicker = "start_map_picker"
	CmdBanMap         = "ban_map"
	CmdPickMap        = "pick_map"
	CmdPickSide       = "pick_side"
	CmdAbort          = "abort"
)

// Server -> client response tags.
const (
	RespAck              = "ack"
	RespInvalidSequence  = "error.invalid_sequence"
	RespServerError      = "error.server"
	RespChat             = "chat"
	RespTeamChat         = "team_chat"
	RespMapPoolUpdate    = "map_pool_update"
	RespPhaseUpdate      = "phase_update"
	RespTeamRosterUpdate = "team_roster_update"
)

// Command is the flat inbound envelope, discriminated by Cmd. Unused fields
// stay zero for any given command kind.
type Command struct {
	Cmd      string `json:"cmd"`
	SeqNo    int    `json:"seq_no,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Message  string `json:"message,omitempty"`
	TeamName string `json:"team_name,omitempty"`
	TeamID   int    `json:"team_id,omitempty"`
	MapName  string `json:"map_name,omitempty"`
	Side     string `json:"side,omitempty"`
}

// MapView is one entry of a map_pool_update, in pool order.
type MapView struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Side  string `json:"side,omitempty"`
}

// Response is the flat outbound envelope, discriminated by Resp.
type Response struct {
	Resp     string    `json:"resp"`
	SeqNo    int       `json:"seq_no,omitempty"`
	Got      int       `json:"got,omitempty"`
	Expected int       `json:"expected,omitempty"`
	Message  string    `json:"message,omitempty"`
	Player   string    `json:"player,omitempty"`
	Team     string    `json:"team,omitempty"`
	Maps     []MapView `json:"maps,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	TeamIdx  int       `json:"team_idx,omitempty"`
	TeamName string    `json:"team_name,omitempty"`
	Players  []string  `json:"players,omitempty"`
}
