package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/agentrun/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT,
			active_run_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL,
			display_order INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id),
			UNIQUE (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			engine TEXT NOT NULL,
			status TEXT NOT NULL,
			code TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			display_order INTEGER NOT NULL,
			type TEXT NOT NULL,
			subtype TEXT NOT NULL,
			content TEXT,
			ts DATETIME NOT NULL,
			PRIMARY KEY (run_id, event_id),
			UNIQUE (run_id, sequence),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			requested_args TEXT,
			edited_args TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Columns added after the first schema (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("conversations", "title", "ALTER TABLE conversations ADD COLUMN title TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("runs", "code", "ALTER TABLE runs ADD COLUMN code TEXT"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, project_id, title, active_run_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ConversationID, conv.ProjectID, nullString(conv.Title), nullString(conv.ActiveRunID), conv.CreatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var title, activeRunID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, project_id, title, active_run_id, created_at FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&conv.ConversationID, &conv.ProjectID, &title, &activeRunID, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.Title = title.String
	conv.ActiveRunID = activeRunID.String
	return &conv, nil
}

// SetActiveRun records the run currently driving a conversation. An empty
// runID clears it.
func (s *SQLiteStore) SetActiveRun(ctx context.Context, conversationID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET active_run_id = ? WHERE conversation_id = ?`,
		nullString(runID), conversationID)
	return err
}

// MaxDisplayOrder returns the largest display order used by any message or
// event of the conversation, or 0 when nothing has been recorded yet.
func (s *SQLiteStore) MaxDisplayOrder(ctx context.Context, conversationID string) (int64, error) {
	var maxOrder sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(o) FROM (
			SELECT MAX(display_order) AS o FROM messages WHERE conversation_id = ?
			UNION ALL
			SELECT MAX(e.display_order) AS o FROM events e
			JOIN runs r ON r.run_id = e.run_id
			WHERE r.conversation_id = ?
		)`, conversationID, conversationID).Scan(&maxOrder)
	if err != nil {
		return 0, err
	}
	return maxOrder.Int64, nil
}

// AppendMessage appends a message, assigning the next per-conversation seq.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, msg.ConversationID).Scan(&maxSeq); err != nil {
		return err
	}
	msg.Seq = maxSeq.Int64 + 1

	var displayOrder sql.NullInt64
	if msg.DisplayOrder > 0 {
		displayOrder = sql.NullInt64{Int64: msg.DisplayOrder, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, run_id, role, content, seq, display_order, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ConversationID, nullString(msg.RunID), msg.Role, msg.Content, msg.Seq, displayOrder, msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages retrieves messages for a conversation in seq order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, conversation_id, run_id, role, content, seq, display_order, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID sql.NullString
		var displayOrder sql.NullInt64
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &runID, &msg.Role, &msg.Content, &msg.Seq, &displayOrder, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.RunID = runID.String
		msg.DisplayOrder = displayOrder.Int64
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, conversation_id, project_id, engine, status, timeout_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ConversationID, run.ProjectID, run.Engine, run.Status, run.TimeoutMs, run.CreatedAt)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var code, errMsg sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, conversation_id, project_id, engine, status, code, timeout_ms, created_at, ended_at, error FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.ConversationID, &run.ProjectID, &run.Engine, &run.Status, &code, &run.TimeoutMs, &run.CreatedAt, &endedAt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Code = domain.RunCode(code.String)
	run.Error = errMsg.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// UpdateRunStatus updates the status of a non-terminal run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ? AND ended_at IS NULL`,
		status, runID)
	return err
}

// UpdateRunCompleted moves a run into a terminal state.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, code domain.RunCode, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, code = ?, error = ?, ended_at = ? WHERE run_id = ? AND ended_at IS NULL`,
		status, nullString(string(code)), nullString(errMsg), time.Now().UTC(), runID)
	return err
}

// CreateEvent persists an appended event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	content, err := json.Marshal(event.Content)
	if err != nil {
		return fmt.Errorf("marshal event content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, event_id, sequence, display_order, type, subtype, content, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.EventID, event.Sequence, event.DisplayOrder, event.Type, event.Subtype, string(content), event.Timestamp)
	return err
}

// ListEvents retrieves events for a run in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.Event, error) {
	query := `SELECT run_id, event_id, sequence, display_order, type, subtype, content, ts FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, runID, afterSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var content sql.NullString
		if err := rows.Scan(&event.RunID, &event.EventID, &event.Sequence, &event.DisplayOrder, &event.Type, &event.Subtype, &content, &event.Timestamp); err != nil {
			return nil, err
		}
		event.Content, err = domain.DecodeContent(event.Type, event.Subtype, json.RawMessage(content.String))
		if err != nil {
			return nil, err
		}
		event.Metadata = domain.EventMetadata{
			EventID:      event.EventID,
			Sequence:     event.Sequence,
			DisplayOrder: event.DisplayOrder,
			RunID:        event.RunID,
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateApproval creates a new approval.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *domain.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, run_id, tool_call_id, tool_name, status, requested_args, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		approval.ApprovalID, approval.RunID, approval.ToolCallID, approval.ToolName, approval.Status, nullStringBytes(approval.RequestedArgs), approval.CreatedAt)
	return err
}

// GetApproval retrieves an approval by ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT approval_id, run_id, tool_call_id, tool_name, status, requested_args, edited_args, created_at, decided_at FROM approvals WHERE approval_id = ?`,
		approvalID)
	ap, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ap, nil
}

// UpdateApprovalDecision stores the decision of a pending approval.
func (s *SQLiteStore) UpdateApprovalDecision(ctx context.Context, approval *domain.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, edited_args = ?, decided_at = ? WHERE approval_id = ? AND status = ?`,
		approval.Status, nullStringBytes(approval.EditedArgs), approval.DecidedAt, approval.ApprovalID, domain.ApprovalStatusPending)
	return err
}

// ListApprovals lists approvals of a run in creation order. An empty status
// lists all of them.
func (s *SQLiteStore) ListApprovals(ctx context.Context, runID string, status domain.ApprovalStatus) ([]domain.Approval, error) {
	query := `SELECT approval_id, run_id, tool_call_id, tool_name, status, requested_args, edited_args, created_at, decided_at FROM approvals WHERE run_id = ?`
	args := []interface{}{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ap)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(row scanner) (*domain.Approval, error) {
	var ap domain.Approval
	var requested, edited sql.NullString
	var decidedAt sql.NullTime
	if err := row.Scan(&ap.ApprovalID, &ap.RunID, &ap.ToolCallID, &ap.ToolName, &ap.Status, &requested, &edited, &ap.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	if requested.Valid {
		ap.RequestedArgs = json.RawMessage(requested.String)
	}
	if edited.Valid {
		ap.EditedArgs = json.RawMessage(edited.String)
	}
	if decidedAt.Valid {
		ap.DecidedAt = &decidedAt.Time
	}
	return &ap, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
