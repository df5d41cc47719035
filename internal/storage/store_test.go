package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// storeSuite runs the same behaviour checks against every backend.
func storeSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("TemplateValidation", func(t *testing.T) { testTemplateValidation(t, open(t)) })
	t.Run("DispatchLifecycle", func(t *testing.T) { testDispatchLifecycle(t, open(t)) })
	t.Run("ResponseRecordedOnce", func(t *testing.T) { testResponseRecordedOnce(t, open(t)) })
	t.Run("ConcurrentResponses", func(t *testing.T) { testConcurrentResponses(t, open(t)) })
	t.Run("DueSchedules", func(t *testing.T) { testDueSchedules(t, open(t)) })
	t.Run("DeleteKeepsHistory", func(t *testing.T) { testDeleteKeepsHistory(t, open(t)) })
	t.Run("LinkChat", func(t *testing.T) { testLinkChat(t, open(t)) })
	t.Run("SetActive", func(t *testing.T) { testSetActive(t, open(t)) })
	t.Run("MalformedIDs", func(t *testing.T) { testMalformedIDs(t, open(t)) })
	t.Run("LinkingCodeConflict", func(t *testing.T) { testLinkingCodeConflict(t, open(t)) })
}

func mustUser(t *testing.T, s Store, chatID int64) User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), User{
		Email:  uuid.NewString() + "@example.test",
		ChatID: chatID,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func mustTemplate(t *testing.T, s Store, userID string, kind ResponseKind, opts ...string) Template {
	t.Helper()
	tpl, err := s.CreateTemplate(context.Background(), Template{
		UserID:       userID,
		Title:        "check-in",
		Body:         "Did you take your medication?",
		ResponseKind: kind,
		Options:      opts,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	return tpl
}

func mustSchedule(t *testing.T, s Store, userID, templateID string, next time.Time) Schedule {
	t.Helper()
	sc, err := s.CreateSchedule(context.Background(), Schedule{
		UserID:         userID,
		TemplateID:     templateID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		IsActive:       true,
		NextDueAt:      &next,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sc
}

func testTemplateValidation(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, 0)

	cases := []struct {
		name string
		kind ResponseKind
		opts []string
	}{
		{name: "choice without options", kind: ResponseChoice},
		{name: "binary with options", kind: ResponseBinary, opts: []string{"a"}},
		{name: "empty label", kind: ResponseChoice, opts: []string{"a", ""}},
		{name: "unknown kind", kind: "scale"},
	}
	for _, tc := range cases {
		_, err := s.CreateTemplate(ctx, Template{UserID: u.ID, Title: "x", Body: "x", ResponseKind: tc.kind, Options: tc.opts})
		if !errors.Is(err, ErrInvalidTemplate) {
			t.Fatalf("%s: expected ErrInvalidTemplate, got %v", tc.name, err)
		}
	}

	tpl := mustTemplate(t, s, u.ID, ResponseChoice, "Great", "OK", "Bad")
	got, err := s.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if len(got.Options) != 3 || got.Options[0] != "Great" || got.Options[2] != "Bad" {
		t.Fatalf("options not preserved in order: %v", got.Options)
	}

	bin := mustTemplate(t, s, u.ID, ResponseBinary)
	got, err = s.GetTemplate(ctx, bin.ID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Options != nil {
		t.Fatalf("binary template should have no options, got %v", got.Options)
	}
}

func testDispatchLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, 1001)
	tpl := mustTemplate(t, s, u.ID, ResponseBinary)
	sentAt := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

	first, err := s.CreateDispatch(ctx, NewDispatch{TemplateID: tpl.ID, UserID: u.ID, SentAt: sentAt})
	if err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	second, err := s.CreateDispatch(ctx, NewDispatch{TemplateID: tpl.ID, UserID: u.ID, SentAt: sentAt})
	if err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	if first.ShortID <= 0 || second.ShortID <= first.ShortID {
		t.Fatalf("short ids not increasing: %d then %d", first.ShortID, second.ShortID)
	}
	if first.ID == second.ID {
		t.Fatalf("opaque ids collide")
	}

	if err := s.RecordDelivery(ctx, first.ID, 555); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	got, err := s.FindByShortID(ctx, first.ShortID)
	if err != nil {
		t.Fatalf("FindByShortID: %v", err)
	}
	if got.ID != first.ID || got.Status != StatusSent || got.Response != nil {
		t.Fatalf("unexpected dispatch: %+v", got)
	}
	if got.GatewayMessageID == nil || *got.GatewayMessageID != 555 {
		t.Fatalf("gateway message id not stored: %v", got.GatewayMessageID)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("sent_at = %v, want %v", got.SentAt, sentAt)
	}

	if _, err := s.FindByShortID(ctx, second.ShortID+1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.RecordResponse(ctx, uuid.NewString(), "yes", sentAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown dispatch, got %v", err)
	}

	list, err := s.ListDispatches(ctx, DispatchFilter{UserID: u.ID})
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if len(list) != 2 || list[0].ShortID != second.ShortID {
		t.Fatalf("expected newest first, got %+v", list)
	}
}

func testResponseRecordedOnce(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, 1002)
	tpl := mustTemplate(t, s, u.ID, ResponseBinary)
	d, err := s.CreateDispatch(ctx, NewDispatch{TemplateID: tpl.ID, UserID: u.ID, SentAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	at := time.Date(2024, 1, 2, 9, 5, 0, 0, time.UTC)
	if err := s.RecordResponse(ctx, d.ID, "yes", at); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if err := s.RecordResponse(ctx, d.ID, "no", at.Add(time.Minute)); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}

	got, err := s.FindByShortID(ctx, d.ShortID)
	if err != nil {
		t.Fatalf("FindByShortID: %v", err)
	}
	if got.Status != StatusResponded || got.Response == nil || *got.Response != "yes" {
		t.Fatalf("first response not kept: %+v", got)
	}
	if got.RespondedAt == nil || !got.RespondedAt.Equal(at) {
		t.Fatalf("responded_at = %v, want %v", got.RespondedAt, at)
	}

	responded, err := s.ListDispatches(ctx, DispatchFilter{UserID: u.ID, Status: StatusResponded})
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if len(responded) != 1 {
		t.Fatalf("expected 1 responded dispatch, got %d", len(responded))
	}
}

func testConcurrentResponses(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, 1003)
	tpl := mustTemplate(t, s, u.ID, ResponseChoice, "A", "B", "C", "D")
	d, err := s.CreateDispatch(ctx, NewDispatch{TemplateID: tpl.ID, UserID: u.ID, SentAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	var (
		wg       sync.WaitGroup
		ok, dupe atomic.Int32
	)
	for _, label := range tpl.Options {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			switch err := s.RecordResponse(ctx, d.ID, label, time.Now()); {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyResponded):
				dupe.Add(1)
			default:
				t.Errorf("RecordResponse(%s): %v", label, err)
			}
		}(label)
	}
	wg.Wait()

	if ok.Load() != 1 || dupe.Load() != int32(len(tpl.Options)-1) {
		t.Fatalf("expected exactly one winner, got ok=%d dupe=%d", ok.Load(), dupe.Load())
	}
}

func testDueSchedules(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 9, 0, 30, 0, time.UTC)

	linked := mustUser(t, s, 2001)
	unlinked := mustUser(t, s, 0)
	tpl := mustTemplate(t, s, linked.ID, ResponseBinary)
	idle := mustTemplate(t, s, linked.ID, ResponseBinary)
	idle.IsActive = false
	if err := s.UpdateTemplate(ctx, idle); err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	other := mustTemplate(t, s, unlinked.ID, ResponseBinary)

	late := mustSchedule(t, s, linked.ID, tpl.ID, now.Add(-2*time.Hour))
	onTime := mustSchedule(t, s, linked.ID, tpl.ID, now)
	mustSchedule(t, s, linked.ID, tpl.ID, now.Add(time.Minute))     // future
	mustSchedule(t, s, linked.ID, idle.ID, now.Add(-time.Minute))   // inactive template
	mustSchedule(t, s, unlinked.ID, other.ID, now.Add(-time.Minute)) // no chat
	paused := mustSchedule(t, s, linked.ID, tpl.ID, now.Add(-time.Minute))
	if err := s.SetActive(ctx, paused.ID, false, nil); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	due, err := s.DueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	var mine []DueSchedule
	for _, d := range due {
		if d.Schedule.UserID == linked.ID || d.Schedule.UserID == unlinked.ID {
			mine = append(mine, d)
		}
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 due schedules, got %d: %+v", len(mine), mine)
	}
	if mine[0].Schedule.ID != late.ID || mine[1].Schedule.ID != onTime.ID {
		t.Fatalf("unexpected order: %s, %s", mine[0].Schedule.ID, mine[1].Schedule.ID)
	}
	if mine[0].ChatID != 2001 || mine[0].Template.ID != tpl.ID || mine[0].Template.Body == "" {
		t.Fatalf("due schedule missing join data: %+v", mine[0])
	}

	next := now.Add(24 * time.Hour)
	if err := s.SetNextDue(ctx, late.ID, next); err != nil {
		t.Fatalf("SetNextDue: %v", err)
	}
	got, err := s.GetSchedule(ctx, late.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.NextDueAt == nil || !got.NextDueAt.Equal(next) {
		t.Fatalf("next_due_at = %v, want %v", got.NextDueAt, next)
	}
}

func testDeleteKeepsHistory(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, 3001)
	tpl := mustTemplate(t, s, u.ID, ResponseBinary)
	sc := mustSchedule(t, s, u.ID, tpl.ID, time.Now())

	d, err := s.CreateDispatch(ctx, NewDispatch{TemplateID: tpl.ID, ScheduleID: sc.ID, UserID: u.ID, SentAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	if err := s.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected schedule gone, got %v", err)
	}
	if err := s.DeleteSchedule(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	got, err := s.FindByShortID(ctx, d.ShortID)
	if err != nil {
		t.Fatalf("dispatch lost with schedule: %v", err)
	}
	if got.ScheduleID != "" || got.TemplateID != tpl.ID {
		t.Fatalf("unexpected references after delete: %+v", got)
	}

	if err := s.DeleteTemplate(ctx, tpl.ID); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	got, err = s.FindByShortID(ctx, d.ShortID)
	if err != nil {
		t.Fatalf("dispatch lost with template: %v", err)
	}
	if got.TemplateID != "" {
		t.Fatalf("expected cleared template reference, got %q", got.TemplateID)
	}
}

func testLinkChat(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	u := mustUser(t, s, 0)
	code := uuid.NewString()[:6]

	if err := s.SetLinkingCode(ctx, u.ID, code, now.Add(10*time.Minute)); err != nil {
		t.Fatalf("SetLinkingCode: %v", err)
	}
	if _, err := s.LinkChat(ctx, code, 42, "alex", now.Add(11*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired code to fail, got %v", err)
	}

	linked, err := s.LinkChat(ctx, code, 42, "alex", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("LinkChat: %v", err)
	}
	if !linked.Linked() || linked.ChatID != 42 || linked.Username != "alex" || linked.LinkingCode != "" {
		t.Fatalf("unexpected linked user: %+v", linked)
	}
	if _, err := s.LinkChat(ctx, code, 43, "", now.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("code should be single use, got %v", err)
	}
	if err := s.SetLinkingCode(ctx, uuid.NewString(), "ABCDEF", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func testSetActive(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, 4001)
	tpl := mustTemplate(t, s, u.ID, ResponseBinary)
	start := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	sc := mustSchedule(t, s, u.ID, tpl.ID, start)

	if err := s.SetActive(ctx, sc.ID, false, nil); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.IsActive || got.NextDueAt == nil || !got.NextDueAt.Equal(start) {
		t.Fatalf("pause should keep next_due_at: %+v", got)
	}

	resumed := start.Add(48 * time.Hour)
	if err := s.SetActive(ctx, sc.ID, true, &resumed); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, err = s.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !got.IsActive || !got.NextDueAt.Equal(resumed) {
		t.Fatalf("resume should set next_due_at: %+v", got)
	}

	list, err := s.ListSchedules(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(list) != 1 || list[0].ID != sc.ID {
		t.Fatalf("unexpected schedules: %+v", list)
	}
}

func testMalformedIDs(t *testing.T, s Store) {
	ctx := context.Background()
	const bad = "not-a-uuid"

	if _, err := s.GetUser(ctx, bad); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser: %v", err)
	}
	if err := s.SetLinkingCode(ctx, bad, "ABC123", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetLinkingCode: %v", err)
	}
	if _, err := s.GetSchedule(ctx, bad); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSchedule: %v", err)
	}
	if err := s.SetNextDue(ctx, bad, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetNextDue: %v", err)
	}
	if err := s.DeleteSchedule(ctx, bad); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := s.RecordResponse(ctx, bad, "yes", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordResponse: %v", err)
	}
	if got, err := s.ListSchedules(ctx, bad); err != nil || len(got) != 0 {
		t.Fatalf("ListSchedules = %v, %v", got, err)
	}
	if got, err := s.ListDispatches(ctx, DispatchFilter{UserID: bad}); err != nil || len(got) != 0 {
		t.Fatalf("ListDispatches = %v, %v", got, err)
	}
}

func testLinkingCodeConflict(t *testing.T, s Store) {
	ctx := context.Background()
	exp := time.Now().Add(10 * time.Minute)
	a, b := mustUser(t, s, 0), mustUser(t, s, 0)
	code := uuid.NewString()[:6]

	if err := s.SetLinkingCode(ctx, a.ID, code, exp); err != nil {
		t.Fatalf("SetLinkingCode: %v", err)
	}
	if err := s.SetLinkingCode(ctx, b.ID, code, exp); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a taken code, got %v", err)
	}
}
