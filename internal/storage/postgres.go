package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "pingbot/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func newPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	return pgxpool.NewWithConfig(ctx, pc)
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*pgStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store ready", logx.Int("max_conns", int(pool.Config().MaxConns)))
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *pgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// ---- users ----

const pgUserCols = `id::text, email, chat_id, username, timezone, linking_code, linking_code_expires, created_at`

func (s *pgStore) CreateUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users(id, email, chat_id, username, timezone, linking_code, linking_code_expires, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.Email, nullInt(u.ChatID), nullStr(u.Username), u.Timezone,
		nullStr(u.LinkingCode), u.LinkingCodeExpires, u.CreatedAt,
	)
	if err != nil {
		return User{}, pgErr(err)
	}
	return u, nil
}

func (s *pgStore) GetUser(ctx context.Context, id string) (User, error) {
	return scanPGUser(s.pool.QueryRow(ctx, `SELECT `+pgUserCols+` FROM users WHERE id = $1`, id))
}

func (s *pgStore) SetLinkingCode(ctx context.Context, userID, code string, expires time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET linking_code = $1, linking_code_expires = $2 WHERE id = $3`, code, expires.UTC(), userID)
	return pgAffectedOne(tag, err)
}

func (s *pgStore) LinkChat(ctx context.Context, code string, chatID int64, username string, now time.Time) (User, error) {
	return scanPGUser(s.pool.QueryRow(ctx,
		`UPDATE users
		    SET chat_id = $1, username = $2, linking_code = NULL, linking_code_expires = NULL
		  WHERE linking_code = $3 AND linking_code_expires > $4
		RETURNING `+pgUserCols,
		chatID, nullStr(username), code, now.UTC(),
	))
}

func scanPGUser(row pgx.Row) (User, error) {
	var (
		u        User
		chatID   *int64
		username *string
		code     *string
	)
	err := row.Scan(&u.ID, &u.Email, &chatID, &username, &u.Timezone, &code, &u.LinkingCodeExpires, &u.CreatedAt)
	if err != nil {
		return User{}, pgErr(err)
	}
	if chatID != nil {
		u.ChatID = *chatID
	}
	u.Username = deref(username)
	u.LinkingCode = deref(code)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// ---- templates ----

const pgTemplateCols = `id::text, user_id::text, title, body, response_kind, options, is_active, created_at, updated_at`

func (s *pgStore) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO templates(id, user_id, title, body, response_kind, options, is_active, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.UserID, t.Title, t.Body, string(t.ResponseKind), optionsArg(t.Options), t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return Template{}, pgErr(err)
	}
	return t, nil
}

func (s *pgStore) GetTemplate(ctx context.Context, id string) (Template, error) {
	return scanPGTemplate(s.pool.QueryRow(ctx, `SELECT `+pgTemplateCols+` FROM templates WHERE id = $1`, id))
}

func (s *pgStore) UpdateTemplate(ctx context.Context, t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE templates SET title = $1, body = $2, response_kind = $3, options = $4, is_active = $5, updated_at = $6
		  WHERE id = $7`,
		t.Title, t.Body, string(t.ResponseKind), optionsArg(t.Options), t.IsActive, time.Now().UTC(), t.ID,
	)
	return pgAffectedOne(tag, err)
}

func (s *pgStore) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	return pgAffectedOne(tag, err)
}

func (s *pgStore) ListTemplates(ctx context.Context, userID string) ([]Template, error) {
	if !validID(userID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTemplateCols+` FROM templates WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		t, err := scanPGTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPGTemplate(row pgx.Row) (Template, error) {
	var (
		t    Template
		kind string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Body, &kind, &t.Options, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Template{}, pgErr(err)
	}
	t.ResponseKind = ResponseKind(kind)
	if len(t.Options) == 0 {
		t.Options = nil
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// ---- schedules ----

const pgScheduleCols = `id::text, user_id::text, template_id::text, cron_expression, timezone, is_active, next_due_at, created_at`

func (s *pgStore) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schedules(id, user_id, template_id, cron_expression, timezone, is_active, next_due_at, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		sc.ID, sc.UserID, sc.TemplateID, sc.CronExpression, sc.Timezone, sc.IsActive, sc.NextDueAt, sc.CreatedAt,
	)
	if err != nil {
		return Schedule{}, pgErr(err)
	}
	return sc, nil
}

func (s *pgStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	return scanPGSchedule(s.pool.QueryRow(ctx, `SELECT `+pgScheduleCols+` FROM schedules WHERE id = $1`, id))
}

func (s *pgStore) UpdateSchedule(ctx context.Context, sc Schedule) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET template_id = $1, cron_expression = $2, timezone = $3, is_active = $4, next_due_at = $5
		  WHERE id = $6`,
		sc.TemplateID, sc.CronExpression, sc.Timezone, sc.IsActive, sc.NextDueAt, sc.ID,
	)
	return pgAffectedOne(tag, err)
}

func (s *pgStore) SetNextDue(ctx context.Context, id string, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET next_due_at = $1 WHERE id = $2`, next.UTC(), id)
	return pgAffectedOne(tag, err)
}

func (s *pgStore) SetActive(ctx context.Context, id string, active bool, next *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET is_active = $1, next_due_at = COALESCE($2, next_due_at) WHERE id = $3`,
		active, next, id)
	return pgAffectedOne(tag, err)
}

func (s *pgStore) DeleteSchedule(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE dispatches SET schedule_id = NULL WHERE schedule_id = $1`, id); err != nil {
			return pgErr(err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
		return pgAffectedOne(tag, err)
	})
}

func (s *pgStore) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	if !validID(userID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgScheduleCols+` FROM schedules WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanPGSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *pgStore) DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id::text, s.user_id::text, s.template_id::text, s.cron_expression, s.timezone, s.is_active, s.next_due_at, s.created_at,
		       t.id::text, t.user_id::text, t.title, t.body, t.response_kind, t.options, t.is_active, t.created_at, t.updated_at,
		       u.chat_id
		  FROM schedules s
		  JOIN templates t ON t.id = s.template_id
		  JOIN users u ON u.id = s.user_id
		 WHERE s.is_active
		   AND s.next_due_at <= $1
		   AND t.is_active
		   AND u.chat_id IS NOT NULL AND u.chat_id <> 0
		 ORDER BY s.next_due_at, s.id`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueSchedule
	for rows.Next() {
		var (
			d    DueSchedule
			kind string
		)
		if err := rows.Scan(
			&d.Schedule.ID, &d.Schedule.UserID, &d.Schedule.TemplateID, &d.Schedule.CronExpression,
			&d.Schedule.Timezone, &d.Schedule.IsActive, &d.Schedule.NextDueAt, &d.Schedule.CreatedAt,
			&d.Template.ID, &d.Template.UserID, &d.Template.Title, &d.Template.Body, &kind, &d.Template.Options,
			&d.Template.IsActive, &d.Template.CreatedAt, &d.Template.UpdatedAt,
			&d.ChatID,
		); err != nil {
			return nil, err
		}
		d.Template.ResponseKind = ResponseKind(kind)
		if len(d.Template.Options) == 0 {
			d.Template.Options = nil
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanPGSchedule(row pgx.Row) (Schedule, error) {
	var sc Schedule
	err := row.Scan(&sc.ID, &sc.UserID, &sc.TemplateID, &sc.CronExpression, &sc.Timezone, &sc.IsActive, &sc.NextDueAt, &sc.CreatedAt)
	if err != nil {
		return Schedule{}, pgErr(err)
	}
	sc.CreatedAt = sc.CreatedAt.UTC()
	if sc.NextDueAt != nil {
		t := sc.NextDueAt.UTC()
		sc.NextDueAt = &t
	}
	return sc, nil
}

// ---- dispatches ----

const pgDispatchCols = `id::text, short_id, template_id::text, schedule_id::text, user_id::text, sent_at, gateway_message_id, status, response, responded_at`

func (s *pgStore) CreateDispatch(ctx context.Context, nd NewDispatch) (Dispatch, error) {
	d := Dispatch{
		ID:         uuid.NewString(),
		TemplateID: nd.TemplateID,
		ScheduleID: nd.ScheduleID,
		UserID:     nd.UserID,
		SentAt:     nd.SentAt.UTC(),
		Status:     StatusSent,
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dispatches(id, template_id, schedule_id, user_id, sent_at, status)
		 VALUES($1,$2,$3,$4,$5,$6) RETURNING short_id`,
		d.ID, nullStr(d.TemplateID), nullStr(d.ScheduleID), d.UserID, d.SentAt, string(StatusSent),
	).Scan(&d.ShortID)
	if err != nil {
		return Dispatch{}, pgErr(err)
	}
	return d, nil
}

func (s *pgStore) RecordDelivery(ctx context.Context, id string, gatewayMessageID int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dispatches SET gateway_message_id = $1 WHERE id = $2`, gatewayMessageID, id)
	return pgAffectedOne(tag, err)
}

func (s *pgStore) FindByShortID(ctx context.Context, shortID int64) (Dispatch, error) {
	return scanPGDispatch(s.pool.QueryRow(ctx, `SELECT `+pgDispatchCols+` FROM dispatches WHERE short_id = $1`, shortID))
}

func (s *pgStore) RecordResponse(ctx context.Context, id, label string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatches SET status = $1, response = $2, responded_at = $3 WHERE id = $4 AND status = $5`,
		string(StatusResponded), label, at.UTC(), id, string(StatusSent),
	)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM dispatches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return pgErr(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyResponded
}

func (s *pgStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]Dispatch, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+" = $"+strconv.Itoa(len(args)))
	}
	if (f.UserID != "" && !validID(f.UserID)) || (f.ScheduleID != "" && !validID(f.ScheduleID)) {
		return nil, nil
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.ScheduleID != "" {
		add("schedule_id", f.ScheduleID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	q := `SELECT ` + pgDispatchCols + ` FROM dispatches`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(f.Limit))
	q += ` ORDER BY short_id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dispatch
	for rows.Next() {
		d, err := scanPGDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanPGDispatch(row pgx.Row) (Dispatch, error) {
	var (
		d          Dispatch
		templateID *string
		scheduleID *string
		status     string
	)
	err := row.Scan(&d.ID, &d.ShortID, &templateID, &scheduleID, &d.UserID, &d.SentAt,
		&d.GatewayMessageID, &status, &d.Response, &d.RespondedAt)
	if err != nil {
		return Dispatch{}, pgErr(err)
	}
	d.TemplateID = deref(templateID)
	d.ScheduleID = deref(scheduleID)
	d.Status = DispatchStatus(status)
	d.SentAt = d.SentAt.UTC()
	if d.RespondedAt != nil {
		t := d.RespondedAt.UTC()
		d.RespondedAt = &t
	}
	return d, nil
}

func pgAffectedOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// pgErr maps driver errors onto the store's sentinels. A malformed uuid
// cannot name an existing row, so it reads as ErrNotFound like on sqlite.
func pgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "22P02": // invalid_text_representation
			return ErrNotFound
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pe.ConstraintName)
		}
	}
	return err
}

// validID reports whether id can match a UUID column.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func optionsArg(opts []string) []string {
	if opts == nil {
		return []string{}
	}
	return opts
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
