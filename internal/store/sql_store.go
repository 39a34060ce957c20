package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SQLStore is the session/version/chat ledger. It runs on Postgres or
// SQLite; the dialect only changes placeholders, time encoding and row locks.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// WithClock replaces the timestamp source. Used by tests.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// inTx runs fn in one transaction. Any error from fn rolls the whole
// transaction back.
func (s *SQLStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQLStore) CreateSession(ctx context.Context, sessionID, productName string) (Session, error) {
	now := s.timestamp()
	err := s.inTx(ctx, "create session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO sessions (session_id, product_name, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
		`), sessionID, productName, s.dialect.time(now))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateSession
			}
			return storageErr("insert session", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return Session{ID: sessionID, ProductName: productName, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	const query = `
		SELECT s.session_id, s.product_name, s.created_at, s.updated_at, COUNT(v.id)
		FROM sessions s
		LEFT JOIN versions v ON v.session_id = s.session_id
		WHERE s.session_id = $1
		GROUP BY s.session_id, s.product_name, s.created_at, s.updated_at
	`
	session, err := scanSession(s.db.QueryRowContext(ctx, s.q(query), sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, storageErr("get session", err)
	}
	return session, nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]Session, error) {
	const query = `
		SELECT s.session_id, s.product_name, s.created_at, s.updated_at, COUNT(v.id)
		FROM sessions s
		LEFT JOIN versions v ON v.session_id = s.session_id
		GROUP BY s.session_id, s.product_name, s.created_at, s.updated_at
		ORDER BY s.updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan session", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sessions", err)
	}
	return sessions, nil
}

// SaveVersion appends the next version for the session. The number is
// max+1 computed under the session row lock, and the timestamp is forced
// strictly after every earlier version and message of the session.
func (s *SQLStore) SaveVersion(ctx context.Context, sessionID, content string, meta VersionMeta) (Version, error) {
	var saved Version
	err := s.inTx(ctx, "save version", func(tx *sql.Tx) error {
		if err := s.lockSession(ctx, tx, sessionID); err != nil {
			return err
		}

		var maxNumber int
		if err := tx.QueryRowContext(ctx, s.q(`
			SELECT COALESCE(MAX(version_number), 0) FROM versions WHERE session_id = $1
		`), sessionID).Scan(&maxNumber); err != nil {
			return storageErr("read max version", err)
		}

		latest, err := s.latestEvent(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		createdAt := s.timestamp()
		if !latest.IsZero() && !createdAt.After(latest) {
			createdAt = latest.Add(time.Microsecond)
		}

		saved = Version{
			SessionID:         sessionID,
			Number:            maxNumber + 1,
			Content:           content,
			SectionName:       meta.SectionName,
			ChangeDescription: meta.ChangeDescription,
			UserPrompt:        meta.UserPrompt,
			OriginMessageID:   meta.OriginMessageID,
			CreatedAt:         createdAt,
		}

		var origin any
		if meta.OriginMessageID != nil {
			origin = *meta.OriginMessageID
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO versions (session_id, version_number, content, section_name, change_description, user_prompt, origin_message_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`), sessionID, saved.Number, content,
			nullString(meta.SectionName), nullString(meta.ChangeDescription), nullString(meta.UserPrompt),
			origin, s.dialect.time(createdAt)); err != nil {
			return storageErr("insert version", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET updated_at = $2 WHERE session_id = $1`),
			sessionID, s.dialect.time(createdAt)); err != nil {
			return storageErr("touch session", err)
		}
		return nil
	})
	if err != nil {
		return Version{}, err
	}
	return saved, nil
}

func (s *SQLStore) GetVersions(ctx context.Context, sessionID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, s.q(versionColumns+`
		WHERE session_id = $1
		ORDER BY version_number DESC
	`), sessionID)
	if err != nil {
		return nil, storageErr("get versions", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, storageErr("scan version", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate versions", err)
	}
	return versions, nil
}

func (s *SQLStore) GetVersion(ctx context.Context, sessionID string, number int) (Version, error) {
	version, err := scanVersion(s.db.QueryRowContext(ctx, s.q(versionColumns+`
		WHERE session_id = $1 AND version_number = $2
	`), sessionID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrVersionNotFound
	}
	if err != nil {
		return Version{}, storageErr("get version", err)
	}
	return version, nil
}

// GetLatestVersion returns ErrVersionNotFound when the session has none.
func (s *SQLStore) GetLatestVersion(ctx context.Context, sessionID string) (Version, error) {
	version, err := scanVersion(s.db.QueryRowContext(ctx, s.q(versionColumns+`
		WHERE session_id = $1
		ORDER BY version_number DESC
		LIMIT 1
	`), sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrVersionNotFound
	}
	if err != nil {
		return Version{}, storageErr("get latest version", err)
	}
	return version, nil
}

func (s *SQLStore) GetMaxVersionNumber(ctx context.Context, sessionID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COALESCE(MAX(version_number), 0) FROM versions WHERE session_id = $1
	`), sessionID).Scan(&max)
	if err != nil {
		return 0, storageErr("get max version", err)
	}
	return max, nil
}

// SaveChatMessage appends a message. Its timestamp never precedes the
// latest version of the session, so a reply always sorts at or after the
// version it follows.
func (s *SQLStore) SaveChatMessage(ctx context.Context, sessionID string, role Role, content string) (ChatMessage, error) {
	if !role.Valid() {
		return ChatMessage{}, fmt.Errorf("invalid message role %q", role)
	}
	var saved ChatMessage
	err := s.inTx(ctx, "save chat message", func(tx *sql.Tx) error {
		if err := s.lockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		latest, err := s.latestEvent(ctx, tx, sessionID, false)
		if err != nil {
			return err
		}
		createdAt := s.timestamp()
		if createdAt.Before(latest) {
			createdAt = latest
		}

		var id int64
		if err := tx.QueryRowContext(ctx, s.q(`
			INSERT INTO chat_messages (session_id, message_type, content, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`), sessionID, string(role), content, s.dialect.time(createdAt)).Scan(&id); err != nil {
			return storageErr("insert chat message", err)
		}
		saved = ChatMessage{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: createdAt}
		return nil
	})
	if err != nil {
		return ChatMessage{}, err
	}
	return saved, nil
}

func (s *SQLStore) GetChatHistory(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	return s.queryMessages(ctx, "get chat history", messageColumns+`
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
}

func (s *SQLStore) GetMessage(ctx context.Context, sessionID string, id int64) (ChatMessage, error) {
	message, err := scanMessage(s.db.QueryRowContext(ctx, s.q(messageColumns+`
		WHERE session_id = $1 AND id = $2
	`), sessionID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ChatMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return ChatMessage{}, storageErr("get message", err)
	}
	return message, nil
}

// MessagesBefore returns messages strictly earlier than ts, oldest first.
func (s *SQLStore) MessagesBefore(ctx context.Context, sessionID string, ts time.Time) ([]ChatMessage, error) {
	return s.queryMessages(ctx, "messages before", messageColumns+`
		WHERE session_id = $1 AND created_at < $2
		ORDER BY created_at ASC, id ASC
	`, sessionID, s.dialect.time(ts))
}

// FirstAssistantAtOrAfter returns the earliest assistant message whose
// timestamp is not before ts. Ties are included.
func (s *SQLStore) FirstAssistantAtOrAfter(ctx context.Context, sessionID string, ts time.Time) (ChatMessage, error) {
	message, err := scanMessage(s.db.QueryRowContext(ctx, s.q(messageColumns+`
		WHERE session_id = $1 AND message_type = 'assistant' AND created_at >= $2
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`), sessionID, s.dialect.time(ts)))
	if errors.Is(err, sql.ErrNoRows) {
		return ChatMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return ChatMessage{}, storageErr("first assistant message", err)
	}
	return message, nil
}

type RollbackResult struct {
	Target          int `json:"targetVersion"`
	VersionsRemoved int `json:"versionsRemoved"`
	MessagesRemoved int `json:"messagesRemoved"`
}

// RollbackToVersion truncates the session back to target: later versions
// and every message after the target's timestamp are deleted together.
func (s *SQLStore) RollbackToVersion(ctx context.Context, sessionID string, target int) (RollbackResult, error) {
	result := RollbackResult{Target: target}
	err := s.inTx(ctx, "rollback", func(tx *sql.Tx) error {
		if err := s.lockSession(ctx, tx, sessionID); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return ErrVersionNotFound
			}
			return err
		}

		var ts dbTime
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT created_at FROM versions WHERE session_id = $1 AND version_number = $2
		`), sessionID, target).Scan(&ts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionNotFound
		}
		if err != nil {
			return storageErr("read target version", err)
		}

		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM versions WHERE session_id = $1 AND version_number > $2`), sessionID, target)
		if err != nil {
			return storageErr("delete versions", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			result.VersionsRemoved = int(n)
		}

		res, err = tx.ExecContext(ctx, s.q(`DELETE FROM chat_messages WHERE session_id = $1 AND created_at > $2`), sessionID, s.dialect.time(ts.Time))
		if err != nil {
			return storageErr("delete chat messages", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			result.MessagesRemoved = int(n)
		}

		if _, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET updated_at = $2 WHERE session_id = $1`),
			sessionID, s.dialect.time(s.timestamp())); err != nil {
			return storageErr("touch session", err)
		}
		return nil
	})
	if err != nil {
		return RollbackResult{}, err
	}
	return result, nil
}

// SearchVersions is the substring fallback used when no search index is
// available. An empty sessionID searches every session.
func (s *SQLStore) SearchVersions(ctx context.Context, query, sessionID string, limit int) ([]VersionHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []VersionHit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	sqlText := fmt.Sprintf(`
		SELECT v.session_id, s.product_name, v.version_number, v.section_name, v.change_description, v.content
		FROM versions v
		JOIN sessions s ON s.session_id = v.session_id
		WHERE v.content %s $1 ESCAPE '\' AND ($2 = '' OR v.session_id = $2)
		ORDER BY s.updated_at DESC, v.version_number DESC
		LIMIT $3
	`, s.dialect.likeOperator())

	rows, err := s.db.QueryContext(ctx, s.q(sqlText), "%"+escapeLike(query)+"%", sessionID, limit)
	if err != nil {
		return nil, storageErr("search versions", err)
	}
	defer rows.Close()

	hits := make([]VersionHit, 0)
	for rows.Next() {
		var hit VersionHit
		var section, description sql.NullString
		var content string
		if err := rows.Scan(&hit.SessionID, &hit.ProductName, &hit.Number, &section, &description, &content); err != nil {
			return nil, storageErr("scan search hit", err)
		}
		hit.SectionName = section.String
		hit.ChangeDescription = description.String
		hit.Snippet = snippet(content, query, 60)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate search hits", err)
	}
	return hits, nil
}

func (s *SQLStore) lockSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var id string
	err := tx.QueryRowContext(ctx, s.q(`SELECT session_id FROM sessions WHERE session_id = $1`+s.dialect.lockSession()), sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return storageErr("lock session", err)
	}
	return nil
}

// latestEvent returns the newest timestamp recorded for the session,
// optionally including chat messages.
func (s *SQLStore) latestEvent(ctx context.Context, tx *sql.Tx, sessionID string, includeMessages bool) (time.Time, error) {
	query := `SELECT MAX(created_at) FROM versions WHERE session_id = $1`
	if includeMessages {
		query = `
			SELECT MAX(ts) FROM (
				SELECT MAX(created_at) AS ts FROM versions WHERE session_id = $1
				UNION ALL
				SELECT MAX(created_at) AS ts FROM chat_messages WHERE session_id = $1
			) latest
		`
	}
	var ts dbTime
	if err := tx.QueryRowContext(ctx, s.q(query), sessionID).Scan(&ts); err != nil {
		return time.Time{}, storageErr("read latest timestamp", err)
	}
	return ts.Time, nil
}

func (s *SQLStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	messages := make([]ChatMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan chat message", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return messages, nil
}

const versionColumns = `
	SELECT session_id, version_number, content, section_name, change_description, user_prompt, origin_message_id, created_at
	FROM versions
`

const messageColumns = `
	SELECT id, session_id, message_type, content, created_at
	FROM chat_messages
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var session Session
	var createdAt, updatedAt dbTime
	if err := row.Scan(&session.ID, &session.ProductName, &createdAt, &updatedAt, &session.VersionCount); err != nil {
		return Session{}, err
	}
	session.CreatedAt = createdAt.Time
	session.UpdatedAt = updatedAt.Time
	return session, nil
}

func scanVersion(row rowScanner) (Version, error) {
	var version Version
	var section, description, prompt sql.NullString
	var origin sql.NullInt64
	var createdAt dbTime
	if err := row.Scan(&version.SessionID, &version.Number, &version.Content, &section, &description, &prompt, &origin, &createdAt); err != nil {
		return Version{}, err
	}
	version.SectionName = section.String
	version.ChangeDescription = description.String
	version.UserPrompt = prompt.String
	if origin.Valid {
		id := origin.Int64
		version.OriginMessageID = &id
	}
	version.CreatedAt = createdAt.Time
	return version, nil
}

func scanMessage(row rowScanner) (ChatMessage, error) {
	var message ChatMessage
	var role string
	var createdAt dbTime
	if err := row.Scan(&message.ID, &message.SessionID, &role, &message.Content, &createdAt); err != nil {
		return ChatMessage{}, err
	}
	message.Role = Role(role)
	message.CreatedAt = createdAt.Time
	return message, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// snippet returns up to radius runes of context on each side of the first
// case-insensitive match of term.
func snippet(content, term string, radius int) string {
	lower := strings.ToLower(content)
	lowerTerm := strings.ToLower(term)
	idx := strings.Index(lower, lowerTerm)
	if idx < 0 || len(lower) != len(content) {
		return truncateRunes(content, radius*2)
	}
	start := idx
	for i := 0; i < radius && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(content[:start])
		start -= size
	}
	end := idx + len(lowerTerm)
	for i := 0; i < radius && end < len(content); i++ {
		_, size := utf8.DecodeRuneInString(content[end:])
		end += size
	}
	out := strings.TrimSpace(content[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out += "..."
	}
	return out
}

func truncateRunes(value string, max int) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	runes := []rune(value)
	return string(runes[:max]) + "..."
}
