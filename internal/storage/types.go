package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyResponded = errors.New("already responded")
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrConflict         = errors.New("conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": single-file database at Path (default)
//   - "postgres": PostgreSQL reachable at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s

	// postgres pool tuning; zero values keep pgxpool defaults
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type ResponseKind string

const (
	ResponseBinary ResponseKind = "binary"
	ResponseChoice ResponseKind = "choice"
)

type DispatchStatus string

const (
	StatusSent      DispatchStatus = "sent"
	StatusResponded DispatchStatus = "responded"
)

type User struct {
	ID                 string
	Email              string
	ChatID             int64 // 0 until the account is linked
	Username           string
	Timezone           string
	LinkingCode        string
	LinkingCodeExpires *time.Time
	CreatedAt          time.Time
}

func (u User) Linked() bool { return u.ChatID != 0 }

type Template struct {
	ID           string
	UserID       string
	Title        string
	Body         string
	ResponseKind ResponseKind
	Options      []string // choice labels in display order
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the option contract: choice templates need at least one
// non-empty label, binary templates carry none.
func (t Template) Validate() error {
	switch t.ResponseKind {
	case ResponseBinary:
		if len(t.Options) != 0 {
			return errors.Join(ErrInvalidTemplate, errors.New("binary template cannot carry options"))
		}
	case ResponseChoice:
		if len(t.Options) == 0 {
			return errors.Join(ErrInvalidTemplate, errors.New("choice template needs options"))
		}
		for _, o := range t.Options {
			if o == "" {
				return errors.Join(ErrInvalidTemplate, errors.New("empty option label"))
			}
		}
	default:
		return errors.Join(ErrInvalidTemplate, errors.New("unknown response kind "+string(t.ResponseKind)))
	}
	return nil
}

type Schedule struct {
	ID             string
	UserID         string
	TemplateID     string
	CronExpression string
	Timezone       string
	IsActive       bool
	NextDueAt      *time.Time // UTC
	CreatedAt      time.Time
}

// DueSchedule is a due schedule joined with what the dispatcher needs to
// send it.
type DueSchedule struct {
	Schedule Schedule
	Template Template
	ChatID   int64
}

type Dispatch struct {
	ID               string
	ShortID          int64
	TemplateID       string // empty once the template is deleted
	ScheduleID       string // empty for ad-hoc sends or deleted schedules
	UserID           string
	SentAt           time.Time
	GatewayMessageID *int64
	Status           DispatchStatus
	Response         *string
	RespondedAt      *time.Time
}

type NewDispatch struct {
	TemplateID string
	ScheduleID string
	UserID     string
	SentAt     time.Time
}

type DispatchFilter struct {
	UserID     string
	ScheduleID string
	Status     DispatchStatus
	Limit      int // 0 means 100
}
