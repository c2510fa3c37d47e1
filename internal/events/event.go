package events

import "time"

// Event is the envelope that flows through the event bus. Every domain
// event (match mutation, timer phase, sponsor display, activity line) is
// wrapped in one and scoped to a tenant.
type Event struct {
	ID           string
	Type         EventType
	TenantID     int64
	TournamentID int64
	Timestamp    time.Time
	Payload      any
}

type EventType string

const (
	// Store / coordinator events
	EventMatchMutated EventType = "match_mutated"
	// Poller output
	EventSnapshotPublished EventType = "snapshot_published"
	// Timer subsystem
	EventTimerLifecycle EventType = "timer_lifecycle"
	EventSponsorDisplay EventType = "sponsor_display"
	// Journal
	EventActivityAppended EventType = "activity_appended"
	// Operator actions
	EventAnnouncement EventType = "announcement"
	EventGovernorMode EventType = "governor_mode"
)
