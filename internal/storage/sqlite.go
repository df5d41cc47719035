package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "pingbot/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

const sqliteUserCols = `id, email, chat_id, username, timezone, linking_code, linking_code_expires, created_at`

func (s *sqliteStore) CreateUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(`+sqliteUserCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, nullInt(u.ChatID), nullStr(u.Username), u.Timezone,
		nullStr(u.LinkingCode), nullMillis(u.LinkingCodeExpires), u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return User{}, sqliteErr(err)
	}
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteUserCols+` FROM users WHERE id = ?`, id)
	return scanSQLiteUser(row)
}

func (s *sqliteStore) SetLinkingCode(ctx context.Context, userID, code string, expires time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET linking_code = ?, linking_code_expires = ? WHERE id = ?`,
		code, expires.UnixMilli(), userID,
	)
	return affectedOne(res, err)
}

func (s *sqliteStore) LinkChat(ctx context.Context, code string, chatID int64, username string, now time.Time) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE users
		    SET chat_id = ?, username = ?, linking_code = NULL, linking_code_expires = NULL
		  WHERE linking_code = ? AND linking_code_expires > ?
		RETURNING `+sqliteUserCols,
		chatID, nullStr(username), code, now.UnixMilli(),
	)
	return scanSQLiteUser(row)
}

func scanSQLiteUser(row *sql.Row) (User, error) {
	var (
		u        User
		chatID   sql.NullInt64
		username sql.NullString
		code     sql.NullString
		expires  sql.NullInt64
		created  int64
	)
	err := row.Scan(&u.ID, &u.Email, &chatID, &username, &u.Timezone, &code, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.ChatID = chatID.Int64
	u.Username = username.String
	u.LinkingCode = code.String
	u.LinkingCodeExpires = millisPtr(expires)
	u.CreatedAt = time.UnixMilli(created).UTC()
	return u, nil
}

// ---- templates ----

const sqliteTemplateCols = `id, user_id, title, body, response_kind, options, is_active, created_at, updated_at`

func (s *sqliteStore) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	opts, err := encodeOptions(t.Options)
	if err != nil {
		return Template{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates(`+sqliteTemplateCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Title, t.Body, string(t.ResponseKind), opts, t.IsActive,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Template{}, err
	}
	return t, nil
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTemplateCols+` FROM templates WHERE id = ?`, id)
	return scanSQLiteTemplate(row)
}

func (s *sqliteStore) UpdateTemplate(ctx context.Context, t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	opts, err := encodeOptions(t.Options)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET title = ?, body = ?, response_kind = ?, options = ?, is_active = ?, updated_at = ?
		  WHERE id = ?`,
		t.Title, t.Body, string(t.ResponseKind), opts, t.IsActive, time.Now().UTC().UnixMilli(), t.ID,
	)
	return affectedOne(res, err)
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	return affectedOne(res, err)
}

func (s *sqliteStore) ListTemplates(ctx context.Context, userID string) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTemplateCols+` FROM templates WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		t, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTemplate(row rowScanner) (Template, error) {
	var (
		t       Template
		kind    string
		opts    string
		created int64
		updated int64
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Body, &kind, &opts, &t.IsActive, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, err
	}
	t.ResponseKind = ResponseKind(kind)
	if t.Options, err = decodeOptions([]byte(opts)); err != nil {
		return Template{}, err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

// ---- schedules ----

const sqliteScheduleCols = `id, user_id, template_id, cron_expression, timezone, is_active, next_due_at, created_at`

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+sqliteScheduleCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		sc.ID, sc.UserID, sc.TemplateID, sc.CronExpression, sc.Timezone, sc.IsActive,
		nullMillis(sc.NextDueAt), sc.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteScheduleCols+` FROM schedules WHERE id = ?`, id)
	return scanSQLiteSchedule(row)
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET template_id = ?, cron_expression = ?, timezone = ?, is_active = ?, next_due_at = ?
		  WHERE id = ?`,
		sc.TemplateID, sc.CronExpression, sc.Timezone, sc.IsActive, nullMillis(sc.NextDueAt), sc.ID,
	)
	return affectedOne(res, err)
}

func (s *sqliteStore) SetNextDue(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET next_due_at = ? WHERE id = ?`, next.UnixMilli(), id)
	return affectedOne(res, err)
}

func (s *sqliteStore) SetActive(ctx context.Context, id string, active bool, next *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if next != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET is_active = ?, next_due_at = ? WHERE id = ?`, active, next.UnixMilli(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE schedules SET is_active = ? WHERE id = ?`, active, id)
	}
	return affectedOne(res, err)
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE dispatches SET schedule_id = NULL WHERE schedule_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err := affectedOne(res, err); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteScheduleCols+` FROM schedules WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSQLiteSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.template_id, s.cron_expression, s.timezone, s.is_active, s.next_due_at, s.created_at,
		       t.id, t.user_id, t.title, t.body, t.response_kind, t.options, t.is_active, t.created_at, t.updated_at,
		       u.chat_id
		  FROM schedules s
		  JOIN templates t ON t.id = s.template_id
		  JOIN users u ON u.id = s.user_id
		 WHERE s.is_active = 1
		   AND s.next_due_at IS NOT NULL
		   AND s.next_due_at <= ?
		   AND t.is_active = 1
		   AND u.chat_id IS NOT NULL AND u.chat_id != 0
		 ORDER BY s.next_due_at, s.id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueSchedule
	for rows.Next() {
		var (
			d                  DueSchedule
			next               sql.NullInt64
			sCreated           int64
			kind, opts         string
			tCreated, tUpdated int64
		)
		if err := rows.Scan(
			&d.Schedule.ID, &d.Schedule.UserID, &d.Schedule.TemplateID, &d.Schedule.CronExpression,
			&d.Schedule.Timezone, &d.Schedule.IsActive, &next, &sCreated,
			&d.Template.ID, &d.Template.UserID, &d.Template.Title, &d.Template.Body, &kind, &opts,
			&d.Template.IsActive, &tCreated, &tUpdated,
			&d.ChatID,
		); err != nil {
			return nil, err
		}
		d.Schedule.NextDueAt = millisPtr(next)
		d.Schedule.CreatedAt = time.UnixMilli(sCreated).UTC()
		d.Template.ResponseKind = ResponseKind(kind)
		if d.Template.Options, err = decodeOptions([]byte(opts)); err != nil {
			return nil, err
		}
		d.Template.CreatedAt = time.UnixMilli(tCreated).UTC()
		d.Template.UpdatedAt = time.UnixMilli(tUpdated).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanSQLiteSchedule(row rowScanner) (Schedule, error) {
	var (
		sc      Schedule
		next    sql.NullInt64
		created int64
	)
	err := row.Scan(&sc.ID, &sc.UserID, &sc.TemplateID, &sc.CronExpression, &sc.Timezone, &sc.IsActive, &next, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, err
	}
	sc.NextDueAt = millisPtr(next)
	sc.CreatedAt = time.UnixMilli(created).UTC()
	return sc, nil
}

// ---- dispatches ----

const sqliteDispatchCols = `id, short_id, template_id, schedule_id, user_id, sent_at, gateway_message_id, status, response, responded_at`

func (s *sqliteStore) CreateDispatch(ctx context.Context, nd NewDispatch) (Dispatch, error) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches(id, template_id, schedule_id, user_id, sent_at, status) VALUES(?,?,?,?,?,?)`,
		d.ID, nullStr(d.TemplateID), nullStr(d.ScheduleID), d.UserID, d.SentAt.UnixMilli(), string(StatusSent),
	)
	if err != nil {
		return Dispatch{}, err
	}
	if d.ShortID, err = res.LastInsertId(); err != nil {
		return Dispatch{}, err
	}
	return d, nil
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, id string, gatewayMessageID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dispatches SET gateway_message_id = ? WHERE id = ?`, gatewayMessageID, id)
	return affectedOne(res, err)
}

func (s *sqliteStore) FindByShortID(ctx context.Context, shortID int64) (Dispatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDispatchCols+` FROM dispatches WHERE short_id = ?`, shortID)
	return scanSQLiteDispatch(row)
}

func (s *sqliteStore) RecordResponse(ctx context.Context, id, label string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches SET status = ?, response = ?, responded_at = ? WHERE id = ? AND status = ?`,
		string(StatusResponded), label, at.UTC().UnixMilli(), id, string(StatusSent),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM dispatches WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyResponded
}

func (s *sqliteStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]Dispatch, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + sqliteDispatchCols + ` FROM dispatches`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY short_id DESC LIMIT ?`
	args = append(args, listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dispatch
	for rows.Next() {
		d, err := scanSQLiteDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanSQLiteDispatch(row rowScanner) (Dispatch, error) {
	var (
		d           Dispatch
		templateID  sql.NullString
		scheduleID  sql.NullString
		sentAt      int64
		gatewayID   sql.NullInt64
		status      string
		response    sql.NullString
		respondedAt sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.ShortID, &templateID, &scheduleID, &d.UserID, &sentAt, &gatewayID, &status, &response, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Dispatch{}, ErrNotFound
	}
	if err != nil {
		return Dispatch{}, err
	}
	d.TemplateID = templateID.String
	d.ScheduleID = scheduleID.String
	d.SentAt = time.UnixMilli(sentAt).UTC()
	if gatewayID.Valid {
		v := gatewayID.Int64
		d.GatewayMessageID = &v
	}
	d.Status = DispatchStatus(status)
	if response.Valid {
		v := response.String
		d.Response = &v
	}
	d.RespondedAt = millisPtr(respondedAt)
	return d, nil
}

// ---- helpers ----

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return sqliteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// sqliteErr maps a unique constraint failure to ErrConflict.
func sqliteErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE") {
		return fmt.Errorf("%w: %s", ErrConflict, se.Error())
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func encodeOptions(opts []string) (string, error) {
	if opts == nil {
		opts = []string{}
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeOptions(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
