package eventbus

import "time"

const (
	TypeDispatchSent       = "dispatch.sent"
	TypeDispatchFailed     = "dispatch.send_failed"
	TypeAdvanceFailed      = "schedule.advance_failed"
	TypeScheduleDeactivate = "schedule.deactivated"
	TypeTick               = "dispatch.tick"
	TypeTickSkipped        = "dispatch.tick_skipped"
	TypeResponse           = "response.handled"
)

// DispatchEvent describes one schedule's unit of work in a tick.
type DispatchEvent struct {
	ScheduleID string
	DispatchID string
	ShortID    int64
	UserID     string
	Err        string
}

type TickEvent struct {
	Due           int
	Sent          int
	SendFailed    int
	AdvanceFailed int
	Took          time.Duration
}

type ResponseEvent struct {
	ShortID int64
	Outcome string
}
