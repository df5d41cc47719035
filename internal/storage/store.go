// Package storage persists users, message templates, schedules and the
// dispatch ledger.
//
// Two backends implement Store: SQLite (modernc, pure Go) for single-host
// deployments and PostgreSQL (pgx) for shared databases. Both apply their
// embedded schema on Open.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "pingbot/pkg/logx"
)

type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	SetLinkingCode(ctx context.Context, userID, code string, expires time.Time) error
	// LinkChat consumes a valid, unexpired linking code and attaches the chat.
	// Unknown or expired codes yield ErrNotFound.
	LinkChat(ctx context.Context, code string, chatID int64, username string, now time.Time) (User, error)
}

type TemplateStore interface {
	CreateTemplate(ctx context.Context, t Template) (Template, error)
	GetTemplate(ctx context.Context, id string) (Template, error)
	UpdateTemplate(ctx context.Context, t Template) error
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context, userID string) ([]Template, error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s Schedule) (Schedule, error)
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) error
	SetNextDue(ctx context.Context, id string, next time.Time) error
	SetActive(ctx context.Context, id string, active bool, next *time.Time) error
	// DeleteSchedule removes the schedule; its dispatches stay with a null
	// schedule reference.
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, userID string) ([]Schedule, error)
	// DueSchedules returns active schedules with next_due_at <= now whose
	// template is active and whose user has a linked chat, ordered by
	// next_due_at then id.
	DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error)
}

type DispatchLedger interface {
	// CreateDispatch allocates the opaque id and the next short id with
	// status sent.
	CreateDispatch(ctx context.Context, d NewDispatch) (Dispatch, error)
	RecordDelivery(ctx context.Context, id string, gatewayMessageID int64) error
	FindByShortID(ctx context.Context, shortID int64) (Dispatch, error)
	// RecordResponse moves a dispatch from sent to responded in one
	// conditional update. A dispatch that is already responded yields
	// ErrAlreadyResponded and is left untouched.
	RecordResponse(ctx context.Context, id, label string, at time.Time) error
	ListDispatches(ctx context.Context, f DispatchFilter) ([]Dispatch, error)
}

type Store interface {
	UserStore
	TemplateStore
	ScheduleStore
	DispatchLedger
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
