package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"safetyvoice/api/internal/lifecycle"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const submissionColumns = `
	id, created_at, updated_at, status,
	role, institution_type, region, discipline, time_window,
	what_happened, impact, improvement, consent_publish, sanitised_text,
	publish_title, publish_summary, publish_story, anonymisation_notes, risk_flags, confidence,
	published_at, admin_notes, decided_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (Submission, error) {
	var (
		item        Submission
		status      string
		notesJSON   []byte
		flagsJSON   []byte
		publishedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID, &item.CreatedAt, &item.UpdatedAt, &status,
		&item.Role, &item.InstitutionType, &item.Region, &item.Discipline, &item.TimeWindow,
		&item.WhatHappened, &item.Impact, &item.Improvement, &item.ConsentPublish, &item.SanitisedText,
		&item.PublishTitle, &item.PublishSummary, &item.PublishStory, &notesJSON, &flagsJSON, &item.Confidence,
		&publishedAt, &item.AdminNotes, &item.DecidedBy,
	); err != nil {
		return Submission{}, err
	}
	item.Status = lifecycle.Status(status)
	if err := decodeStringList(notesJSON, &item.AnonymisationNotes); err != nil {
		return Submission{}, fmt.Errorf("decode anonymisation notes: %w", err)
	}
	if err := decodeStringList(flagsJSON, &item.RiskFlags); err != nil {
		return Submission{}, fmt.Errorf("decode risk flags: %w", err)
	}
	if publishedAt.Valid {
		value := publishedAt.Time
		item.PublishedAt = &value
	}
	return item, nil
}

func decodeStringList(raw []byte, target *[]string) error {
	*target = []string{}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func encodeStringList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, item Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			id, created_at, updated_at, status,
			role, institution_type, region, discipline, time_window,
			what_happened, impact, improvement, consent_publish, sanitised_text
		)
		VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, item.ID, item.CreatedAt, string(lifecycle.StatusPrivate),
		item.Role, item.InstitutionType, item.Region, item.Discipline, item.TimeWindow,
		item.WhatHappened, item.Impact, item.Improvement, item.ConsentPublish, item.SanitisedText)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// InsertSeedSubmission writes a fully formed record, including terminal
// status and publication time. It is a no-op when the id already exists.
func (s *PostgresStore) InsertSeedSubmission(ctx context.Context, item Submission) error {
	notes, err := encodeStringList(item.AnonymisationNotes)
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	flags, err := encodeStringList(item.RiskFlags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			id, created_at, updated_at, status,
			role, institution_type, region, discipline, time_window,
			what_happened, impact, improvement, consent_publish, sanitised_text,
			publish_title, publish_summary, publish_story, anonymisation_notes, risk_flags, confidence,
			published_at
		)
		VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.CreatedAt, string(item.Status),
		item.Role, item.InstitutionType, item.Region, item.Discipline, item.TimeWindow,
		item.WhatHappened, item.Impact, item.Improvement, item.ConsentPublish, item.SanitisedText,
		item.PublishTitle, item.PublishSummary, item.PublishStory, notes, flags, item.Confidence,
		item.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert seed submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttachDraft(ctx context.Context, submissionID string, draft Draft) (bool, error) {
	notes, err := encodeStringList(draft.AnonymisationNotes)
	if err != nil {
		return false, fmt.Errorf("encode notes: %w", err)
	}
	flags, err := encodeStringList(draft.RiskFlags)
	if err != nil {
		return false, fmt.Errorf("encode flags: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET status='draft_generated', publish_title=$2, publish_summary=$3, publish_story=$4,
			anonymisation_notes=$5, risk_flags=$6, confidence=$7, updated_at=NOW()
		WHERE id=$1 AND status='private'
	`, submissionID, draft.PublishTitle, draft.PublishSummary, draft.PublishStory, notes, flags, draft.Confidence)
	if err != nil {
		return false, fmt.Errorf("attach draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attach draft rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, submissionID)
	return scanSubmission(row)
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, statuses []lifecycle.Status) ([]Submission, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE status = ANY($1)
		ORDER BY created_at DESC, id DESC
	`, values)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func collectSubmissions(rows *sql.Rows) ([]Submission, error) {
	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

// DecideSubmission applies a moderator decision if the record is still in
// decision.From. The publish timestamp is written here and nowhere else.
func (s *PostgresStore) DecideSubmission(ctx context.Context, decision Decision) (bool, error) {
	setClauses := []string{
		"status=$3",
		"decided_by=$4",
		"updated_at=NOW()",
		"published_at=CASE WHEN $3='published' THEN NOW() ELSE published_at END",
	}
	args := []any{decision.SubmissionID, string(decision.From), string(decision.To), decision.DecidedBy}
	draftClauses, draftArgs, err := draftAssignments(decision.Draft, len(args)+1)
	if err != nil {
		return false, err
	}
	setClauses = append(setClauses, draftClauses...)
	args = append(args, draftArgs...)
	if decision.AdminNotes != nil {
		args = append(args, *decision.AdminNotes)
		setClauses = append(setClauses, fmt.Sprintf("admin_notes=$%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE submissions SET %s WHERE id=$1 AND status=$2`, strings.Join(setClauses, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("decide submission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decide submission rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateDraft rewrites the draft fields without changing status, as long as
// the record is still in expected.
func (s *PostgresStore) UpdateDraft(ctx context.Context, submissionID string, expected lifecycle.Status, draft Draft, adminNotes *string) (bool, error) {
	args := []any{submissionID, string(expected)}
	setClauses, draftArgs, err := draftAssignments(&draft, len(args)+1)
	if err != nil {
		return false, err
	}
	args = append(args, draftArgs...)
	if adminNotes != nil {
		args = append(args, *adminNotes)
		setClauses = append(setClauses, fmt.Sprintf("admin_notes=$%d", len(args)))
	}
	setClauses = append(setClauses, "updated_at=NOW()")

	query := fmt.Sprintf(`UPDATE submissions SET %s WHERE id=$1 AND status=$2`, strings.Join(setClauses, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update draft rows: %w", err)
	}
	return affected > 0, nil
}

func draftAssignments(draft *Draft, firstArg int) ([]string, []any, error) {
	if draft == nil {
		return nil, nil, nil
	}
	notes, err := encodeStringList(draft.AnonymisationNotes)
	if err != nil {
		return nil, nil, fmt.Errorf("encode notes: %w", err)
	}
	flags, err := encodeStringList(draft.RiskFlags)
	if err != nil {
		return nil, nil, fmt.Errorf("encode flags: %w", err)
	}
	columns := []string{"publish_title", "publish_summary", "publish_story", "anonymisation_notes", "risk_flags", "confidence"}
	values := []any{draft.PublishTitle, draft.PublishSummary, draft.PublishStory, notes, flags, draft.Confidence}
	clauses := make([]string, len(columns))
	for i, column := range columns {
		clauses[i] = fmt.Sprintf("%s=$%d", column, firstArg+i)
	}
	return clauses, values, nil
}

func (s *PostgresStore) ListPublished(ctx context.Context, limit, offset int) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE status='published'
		ORDER BY published_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list published: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func (s *PostgresStore) GetPublished(ctx context.Context, submissionID string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1 AND status='published'`, submissionID)
	return scanSubmission(row)
}

func (s *PostgresStore) PublishedCounts(ctx context.Context) ([]PublishedCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'region' AS dimension, region AS value, COUNT(*) AS total
		FROM submissions
		WHERE status='published' AND region <> ''
		GROUP BY region
		UNION ALL
		SELECT 'discipline', discipline, COUNT(*)
		FROM submissions
		WHERE status='published' AND discipline <> ''
		GROUP BY discipline
		ORDER BY 1, 3 DESC, 2
	`)
	if err != nil {
		return nil, fmt.Errorf("published counts: %w", err)
	}
	defer rows.Close()

	items := make([]PublishedCount, 0)
	for rows.Next() {
		var item PublishedCount
		if err := rows.Scan(&item.Dimension, &item.Value, &item.Total); err != nil {
			return nil, fmt.Errorf("scan published count: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate published counts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event SubmissionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_events (id, submission_id, kind, from_status, to_status, actor, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.SubmissionID, event.Kind, string(event.FromStatus), string(event.ToStatus), event.Actor, event.Note)
	if err != nil {
		return fmt.Errorf("insert submission event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, submissionID string) ([]SubmissionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, kind, from_status, to_status, actor, note, created_at
		FROM submission_events
		WHERE submission_id=$1
		ORDER BY created_at ASC, id ASC
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list submission events: %w", err)
	}
	defer rows.Close()

	items := make([]SubmissionEvent, 0)
	for rows.Next() {
		var (
			item     SubmissionEvent
			from, to string
		)
		if err := rows.Scan(&item.ID, &item.SubmissionID, &item.Kind, &from, &to, &item.Actor, &item.Note, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission event: %w", err)
		}
		item.FromStatus = lifecycle.Status(from)
		item.ToStatus = lifecycle.Status(to)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateModerator(ctx context.Context, moderator Moderator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderators (id, email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, moderator.ID, strings.ToLower(strings.TrimSpace(moderator.Email)), moderator.DisplayName, moderator.PasswordHash, moderator.Role)
	if err != nil {
		return fmt.Errorf("insert moderator: %w", err)
	}
	return nil
}

const moderatorColumns = `id, email, display_name, password_hash, role, created_at, updated_at`

func scanModerator(row rowScanner) (Moderator, error) {
	var item Moderator
	err := row.Scan(&item.ID, &item.Email, &item.DisplayName, &item.PasswordHash, &item.Role, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) GetModeratorByEmail(ctx context.Context, email string) (Moderator, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+moderatorColumns+` FROM moderators WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email))
	return scanModerator(row)
}

func (s *PostgresStore) GetModeratorByID(ctx context.Context, moderatorID string) (Moderator, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+moderatorColumns+` FROM moderators WHERE id=$1`, moderatorID)
	return scanModerator(row)
}

func (s *PostgresStore) ListModerators(ctx context.Context) ([]Moderator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+moderatorColumns+` FROM moderators ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list moderators: %w", err)
	}
	defer rows.Close()

	items := make([]Moderator, 0)
	for rows.Next() {
		item, err := scanModerator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan moderator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate moderators: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateModeratorPassword(ctx context.Context, moderatorID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE moderators SET password_hash=$2, updated_at=NOW() WHERE id=$1`, moderatorID, passwordHash)
	if err != nil {
		return fmt.Errorf("update moderator password: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update moderator password rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, moderatorID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, moderator_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET moderator_id=EXCLUDED.moderator_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, moderatorID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Moderator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.email, m.display_name, m.password_hash, m.role, m.created_at, m.updated_at
		FROM refresh_sessions rs
		JOIN moderators m ON m.id = rs.moderator_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	return scanModerator(row)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
