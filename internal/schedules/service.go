// Package schedules owns the schedule lifecycle on top of the store: it keeps
// next_due_at consistent with the cron expression whenever a schedule is
// created, edited, resumed or fired.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pingbot/internal/recurrence"
	"pingbot/internal/storage"
	logx "pingbot/pkg/logx"
)

type Service struct {
	store storage.ScheduleStore
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now for edit flows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store storage.ScheduleStore, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, log: log.With(logx.String("comp", "schedules")), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Due returns the schedules that should fire at now.
func (s *Service) Due(ctx context.Context, now time.Time) ([]storage.DueSchedule, error) {
	return s.store.DueSchedules(ctx, now)
}

// Advance moves next_due_at to the first occurrence after now and returns it.
// A schedule whose expression or timezone no longer parses keeps its stale
// next_due_at and the recurrence error is returned.
func (s *Service) Advance(ctx context.Context, sch storage.Schedule, now time.Time) (time.Time, error) {
	next, err := recurrence.Next(sch.CronExpression, sch.Timezone, now)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.SetNextDue(ctx, sch.ID, next); err != nil {
		return time.Time{}, fmt.Errorf("persist next_due_at: %w", err)
	}
	return next, nil
}

// Deactivate pauses a schedule without touching next_due_at.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.SetActive(ctx, id, false, nil)
}

// Create stores a new schedule with its first next_due_at computed from the
// current time.
func (s *Service) Create(ctx context.Context, sch storage.Schedule) (storage.Schedule, error) {
	if err := normalize(&sch); err != nil {
		return storage.Schedule{}, err
	}
	next, err := recurrence.Next(sch.CronExpression, sch.Timezone, s.now())
	if err != nil {
		return storage.Schedule{}, err
	}
	sch.NextDueAt = &next
	out, err := s.store.CreateSchedule(ctx, sch)
	if err != nil {
		return storage.Schedule{}, err
	}
	s.log.Info("schedule created",
		logx.String("schedule_id", out.ID),
		logx.String("cron", out.CronExpression),
		logx.String("tz", out.Timezone),
		logx.Time("next_due_at", next),
	)
	return out, nil
}

// Update saves edits and recomputes next_due_at.
func (s *Service) Update(ctx context.Context, sch storage.Schedule) (storage.Schedule, error) {
	if err := normalize(&sch); err != nil {
		return storage.Schedule{}, err
	}
	if sch.ID == "" {
		return storage.Schedule{}, errors.New("schedule id is required")
	}
	next, err := recurrence.Next(sch.CronExpression, sch.Timezone, s.now())
	if err != nil {
		return storage.Schedule{}, err
	}
	sch.NextDueAt = &next
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return storage.Schedule{}, err
	}
	s.log.Info("schedule updated", logx.String("schedule_id", sch.ID), logx.Time("next_due_at", next))
	return sch, nil
}

// SetActive pauses or resumes a schedule. Resuming recomputes next_due_at so
// a long pause does not fire a stale occurrence.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (storage.Schedule, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return storage.Schedule{}, err
	}
	if !active {
		if err := s.store.SetActive(ctx, id, false, nil); err != nil {
			return storage.Schedule{}, err
		}
		sch.IsActive = false
		return sch, nil
	}
	next, err := recurrence.Next(sch.CronExpression, sch.Timezone, s.now())
	if err != nil {
		return storage.Schedule{}, err
	}
	if err := s.store.SetActive(ctx, id, true, &next); err != nil {
		return storage.Schedule{}, err
	}
	sch.IsActive = true
	sch.NextDueAt = &next
	return sch, nil
}

// Delete removes the schedule. Its dispatch history is kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.log.Info("schedule deleted", logx.String("schedule_id", id))
	return nil
}

func (s *Service) List(ctx context.Context, userID string) ([]storage.Schedule, error) {
	return s.store.ListSchedules(ctx, userID)
}

// Preview lists the next n fire times of a schedule from the current time.
func (s *Service) Preview(sch storage.Schedule, n int) ([]time.Time, error) {
	return recurrence.Preview(sch.CronExpression, sch.Timezone, s.now(), n)
}

func normalize(sch *storage.Schedule) error {
	sch.CronExpression = strings.Join(strings.Fields(sch.CronExpression), " ")
	sch.Timezone = strings.TrimSpace(sch.Timezone)
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if sch.UserID == "" || sch.TemplateID == "" {
		return errors.New("schedule needs a user and a template")
	}
	return nil
}
