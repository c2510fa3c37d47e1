package events

// MatchMutation is published after every committed store write that changes
// match state. The journal and the poller subscribe to it.
type MatchMutation struct {
	MatchID    int64  `json:"match_id,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Action     string `json:"action"` // result, forfeit, reopen, underway, station_assign, station_release, generated, reset, finalized
	Actor      string `json:"actor,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// TimerUpdate reports a DQ countdown lifecycle phase.
// Phases: started, warning, expired, executed, cancelled, error.
type TimerUpdate struct {
	MatchID      int64  `json:"match_id"`
	Participant  string `json:"participant"`
	Phase        string `json:"phase"`
	Action       string `json:"action,omitempty"` // notify or auto-dq, set on expiry
	RemainingSec int    `json:"remaining_sec,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SponsorAsset is the wire-facing slice of a sponsor item.
type SponsorAsset struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Image    string `json:"image"`
	Position string `json:"position"`
}

// SponsorDisplay drives venue screens.
// Phases: rotate (one position advances), show/hide (visibility cycling),
// config (settings changed, displays should re-sync).
type SponsorDisplay struct {
	Phase        string         `json:"phase"`
	Position     string         `json:"position,omitempty"`
	Current      *SponsorAsset  `json:"current,omitempty"`
	Items        []SponsorAsset `json:"items,omitempty"`
	TransitionMs int            `json:"transition_ms,omitempty"`
}

// ActivityNotice mirrors a journal entry onto dashboard displays.
type ActivityNotice struct {
	Seq      int64  `json:"seq"`
	Category string `json:"category"`
	Actor    string `json:"actor,omitempty"`
	Message  string `json:"message"`
}

// Announcement is an operator broadcast to every display of a tenant.
type Announcement struct {
	Kind       string `json:"kind"` // info, warning, hype
	Message    string `json:"message"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// GovernorModeChange records an outbound-rate mode transition.
type GovernorModeChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Reason   string `json:"reason"` // projection, override, bypass
}
