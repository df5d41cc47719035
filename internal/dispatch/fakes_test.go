package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"pingbot/internal/recurrence"
	"pingbot/internal/storage"
	"pingbot/internal/transport"
)

type sentMsg struct {
	To   transport.ChatTarget
	Text string
	Opt  *transport.SendOptions
}

type editCall struct {
	Ref  transport.MessageRef
	Text string
}

type fakeGateway struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMsg
	edits   []editCall
	cleared []transport.MessageRef
	acks    map[string]string

	failSend map[int64]error // by chat id
	failEdit error
	block    chan struct{} // when set, SendText waits on it
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{nextID: 100, acks: map[string]string{}, failSend: map[int64]error{}}
}

func (g *fakeGateway) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failSend[to.ChatID]; err != nil {
		return transport.MessageRef{}, transport.WrapGateway("send", err)
	}
	g.nextID++
	g.sent = append(g.sent, sentMsg{To: to, Text: text, Opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: g.nextID}, nil
}

func (g *fakeGateway) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failEdit != nil {
		return g.failEdit
	}
	g.edits = append(g.edits, editCall{Ref: ref, Text: text})
	return nil
}

func (g *fakeGateway) ClearButtons(_ context.Context, ref transport.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, ref)
	return nil
}

func (g *fakeGateway) AnswerCallback(_ context.Context, id, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acks[id] = text
	return nil
}

func (g *fakeGateway) ack(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acks[id]
}

type fakeLedger struct {
	mu        sync.Mutex
	seq       int64
	rows      map[int64]*storage.Dispatch
	failNew   error
	recordErr error // forced RecordResponse result
}

func newFakeLedger() *fakeLedger { return &fakeLedger{rows: map[int64]*storage.Dispatch{}} }

func (l *fakeLedger) put(d storage.Dispatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.ID == "" {
		d.ID = "d" + strconv.FormatInt(d.ShortID, 10)
	}
	if d.Status == "" {
		d.Status = storage.StatusSent
	}
	l.rows[d.ShortID] = &d
	if d.ShortID > l.seq {
		l.seq = d.ShortID
	}
}

func (l *fakeLedger) get(shortID int64) storage.Dispatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.rows[shortID]
}

func (l *fakeLedger) all() []storage.Dispatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]storage.Dispatch, 0, len(l.rows))
	for _, d := range l.rows {
		out = append(out, *d)
	}
	return out
}

func (l *fakeLedger) CreateDispatch(_ context.Context, nd storage.NewDispatch) (storage.Dispatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNew != nil {
		return storage.Dispatch{}, l.failNew
	}
	l.seq++
	d := &storage.Dispatch{
		ID:         "d" + strconv.FormatInt(l.seq, 10),
		ShortID:    l.seq,
		TemplateID: nd.TemplateID,
		ScheduleID: nd.ScheduleID,
		UserID:     nd.UserID,
		SentAt:     nd.SentAt,
		Status:     storage.StatusSent,
	}
	l.rows[d.ShortID] = d
	return *d, nil
}

func (l *fakeLedger) RecordDelivery(_ context.Context, id string, msgID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.rows {
		if d.ID == id {
			d.GatewayMessageID = &msgID
			return nil
		}
	}
	return storage.ErrNotFound
}

func (l *fakeLedger) FindByShortID(_ context.Context, shortID int64) (storage.Dispatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.rows[shortID]
	if !ok {
		return storage.Dispatch{}, storage.ErrNotFound
	}
	return *d, nil
}

func (l *fakeLedger) RecordResponse(_ context.Context, id, label string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	for _, d := range l.rows {
		if d.ID != id {
			continue
		}
		if d.Status != storage.StatusSent {
			return storage.ErrAlreadyResponded
		}
		d.Status = storage.StatusResponded
		d.Response = &label
		d.RespondedAt = &at
		return nil
	}
	return storage.ErrNotFound
}

type fakeTemplates map[string]storage.Template

func (f fakeTemplates) GetTemplate(_ context.Context, id string) (storage.Template, error) {
	t, ok := f[id]
	if !ok {
		return storage.Template{}, storage.ErrNotFound
	}
	return t, nil
}

// fakeSchedules advances through the real recurrence calculator.
type fakeSchedules struct {
	mu          sync.Mutex
	due         []storage.DueSchedule
	dueErr      error
	next        map[string]time.Time
	deactivated map[string]bool
	panicOn     string // schedule id whose Advance panics
	dueCalls    int
}

func newFakeSchedules(due ...storage.DueSchedule) *fakeSchedules {
	return &fakeSchedules{due: due, next: map[string]time.Time{}, deactivated: map[string]bool{}}
}

func (s *fakeSchedules) Due(context.Context, time.Time) ([]storage.DueSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dueCalls++
	return s.due, s.dueErr
}

func (s *fakeSchedules) Advance(_ context.Context, sch storage.Schedule, now time.Time) (time.Time, error) {
	if sch.ID == s.panicOn {
		panic("advance exploded")
	}
	next, err := recurrence.Next(sch.CronExpression, sch.Timezone, now)
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[sch.ID] = next
	return next, nil
}

func (s *fakeSchedules) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated[id] = true
	return nil
}

func (s *fakeSchedules) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueCalls
}

var errUnreachable = errors.New("chat unreachable")

func dueSchedule(id string, chatID int64, tpl storage.Template, next time.Time) storage.DueSchedule {
	return storage.DueSchedule{
		Schedule: storage.Schedule{
			ID:             id,
			UserID:         "u-" + id,
			TemplateID:     tpl.ID,
			CronExpression: "0 9 * * *",
			Timezone:       "UTC",
			IsActive:       true,
			NextDueAt:      &next,
		},
		Template: tpl,
		ChatID:   chatID,
	}
}
