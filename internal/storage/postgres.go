package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/xaenox/tma-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

// unique_violation
const pqUniqueViolation = "23505"

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	query := `
		SELECT id, display_name, active_session_id, last_used_at
		FROM users
		WHERE id = $1`

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.DisplayName,
		&user.ActiveSessionID,
		&user.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.User{ID: id, LastUsedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}
	return user, nil
}

func (s *PostgresStorage) UpdateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, display_name, active_session_id, last_used_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    active_session_id = EXCLUDED.active_session_id,
		    last_used_at = EXCLUDED.last_used_at`

	user.LastUsedAt = time.Now()
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.DisplayName, user.ActiveSessionID, user.LastUsedAt); err != nil {
		return fmt.Errorf("error updating user: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CreateSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO chat_sessions (id, user_id, name, linked_analysis_id, linked_comparison_id, message_count, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		session.ID,
		session.UserID,
		session.Name,
		nullString(session.LinkedAnalysisID),
		nullString(session.LinkedComparisonID),
		session.State.MessageCount,
		nullTime(session.State.LastMessageAt),
	).Scan(&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, name, linked_analysis_id, linked_comparison_id, message_count, last_message_at, created_at, updated_at`

func (s *PostgresStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = $1`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting session: %w", err)
	}
	return session, nil
}

func (s *PostgresStorage) UpdateSession(ctx context.Context, session *models.Session) error {
	query := `
		UPDATE chat_sessions
		SET name = $1, linked_analysis_id = $2, linked_comparison_id = $3,
		    message_count = $4, last_message_at = $5, updated_at = $6
		WHERE id = $7`

	session.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, query,
		session.Name,
		nullString(session.LinkedAnalysisID),
		nullString(session.LinkedComparisonID),
		session.State.MessageCount,
		nullTime(session.State.LastMessageAt),
		session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("error updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) TouchSession(ctx context.Context, id string, added int, at time.Time) error {
	query := `
		UPDATE chat_sessions
		SET message_count = message_count + $1, last_message_at = $2, updated_at = $3
		WHERE id = $4`

	result, err := s.db.ExecContext(ctx, query, added, at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("error touching session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) ListSessions(ctx context.Context, userID int64, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendMessage computes the next order inside the INSERT itself. Two
// writers racing on the same session collide on the unique constraint;
// the loser retries once.
func (s *PostgresStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO chat_messages (id, session_id, sender, content, message_type, msg_order)
		SELECT $1, $2, $3, $4, $5, COALESCE(MAX(msg_order), 0) + 1
		FROM chat_messages
		WHERE session_id = $2
		RETURNING msg_order, created_at`

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.db.QueryRowContext(ctx, query,
			msg.ID,
			msg.SessionID,
			string(msg.Sender),
			msg.Content,
			string(msg.MessageType),
		).Scan(&msg.Order, &msg.CreatedAt)
		if err == nil {
			return nil
		}

		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation || pqErr.Constraint == "chat_messages_pkey" {
			break
		}
		s.logger.Warn("Message order collision, retrying",
			zap.String("session_id", msg.SessionID),
			zap.String("message_id", msg.ID))
	}
	return fmt.Errorf("error appending message: %w", err)
}

func (s *PostgresStorage) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, sender, content, message_type, msg_order, created_at
		FROM (
			SELECT * FROM chat_messages
			WHERE session_id = $1
			ORDER BY msg_order DESC
			LIMIT $2
		) recent
		ORDER BY msg_order ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var sender, msgType string
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&sender,
			&msg.Content,
			&msgType,
			&msg.Order,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msg.Sender = models.Sender(sender)
		msg.MessageType = models.MessageType(msgType)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStorage) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	query := `
		SELECT id, user_id, title, summary, COALESCE(result, 'null'::jsonb), created_at
		FROM audio_analyses
		WHERE id = $1`

	a := &models.Analysis{}
	var result []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.UserID, &a.Title, &a.Summary, &result, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting analysis: %w", err)
	}
	a.Result = result
	return a, nil
}

func (s *PostgresStorage) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	query := `
		INSERT INTO audio_analyses (id, user_id, title, summary, result)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, summary = EXCLUDED.summary, result = EXCLUDED.result
		RETURNING created_at`

	if err := s.db.QueryRowContext(ctx, query, a.ID, a.UserID, a.Title, a.Summary, nullJSON(a.Result)).Scan(&a.CreatedAt); err != nil {
		return fmt.Errorf("error saving analysis: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetComparison(ctx context.Context, id string) (*models.Comparison, error) {
	query := `
		SELECT id, user_id, title, summary, COALESCE(result, 'null'::jsonb), created_at
		FROM mix_comparisons
		WHERE id = $1`

	c := &models.Comparison{}
	var result []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.UserID, &c.Title, &c.Summary, &result, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("comparison %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting comparison: %w", err)
	}
	c.Result = result
	return c, nil
}

func (s *PostgresStorage) SaveComparison(ctx context.Context, c *models.Comparison) error {
	query := `
		INSERT INTO mix_comparisons (id, user_id, title, summary, result)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, summary = EXCLUDED.summary, result = EXCLUDED.result
		RETURNING created_at`

	if err := s.db.QueryRowContext(ctx, query, c.ID, c.UserID, c.Title, c.Summary, nullJSON(c.Result)).Scan(&c.CreatedAt); err != nil {
		return fmt.Errorf("error saving comparison: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var analysisID, comparisonID sql.NullString
	var lastMessageAt sql.NullTime
	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Name,
		&analysisID,
		&comparisonID,
		&session.State.MessageCount,
		&lastMessageAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if analysisID.Valid {
		session.LinkedAnalysisID = &analysisID.String
	}
	if comparisonID.Valid {
		session.LinkedComparisonID = &comparisonID.String
	}
	if lastMessageAt.Valid {
		session.State.LastMessageAt = lastMessageAt.Time
	}
	return session, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
