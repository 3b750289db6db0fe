package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"agent-relay/internal/model"
)

//go:embed schema.sql
var schema string

// SQLite is the durable Store implementation.
type SQLite struct {
	db    *sql.DB
	retry RetryConfig
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Concurrent writers funnel through one connection; sqlite serializes
	// anyway and this avoids most SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, retry: DefaultRetryConfig()}, nil
}

func OpenSQLiteInMemory() (*SQLite, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, retry: DefaultRetryConfig()}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const sessionCols = `id, namespace, tag, seq, metadata, metadata_version, agent_state,
	agent_state_version, active, active_at, thinking, thinking_at, todos,
	permission_mode, model_mode, created_at, updated_at, deleted`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var sess model.Session
	var agentState, todos sql.NullString
	err := row.Scan(&sess.ID, &sess.Namespace, &sess.Tag, &sess.Seq,
		&sess.Metadata, &sess.MetadataVersion, &agentState, &sess.AgentStateVersion,
		&sess.Active, &sess.ActiveAt, &sess.Thinking, &sess.ThinkingAt, &todos,
		&sess.PermissionMode, &sess.ModelMode, &sess.CreatedAt, &sess.UpdatedAt, &sess.Deleted)
	if err != nil {
		return model.Session{}, err
	}
	if agentState.Valid {
		v := agentState.String
		sess.AgentState = &v
	}
	if todos.Valid {
		v := todos.String
		sess.Todos = &v
	}
	return sess, nil
}

func (s *SQLite) GetSession(id string) (model.Session, bool, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return sess, true, nil
}

func (s *SQLite) FindSessionByTag(namespace, tag string) (model.Session, bool, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE namespace = ? AND tag = ? AND deleted = 0`, namespace, tag)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("find session by tag: %w", err)
	}
	return sess, true, nil
}

func (s *SQLite) listSessions(query string, args ...any) ([]model.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *SQLite) ListSessions(namespace string) ([]model.Session, error) {
	return s.listSessions(`SELECT `+sessionCols+` FROM sessions WHERE namespace = ? AND deleted = 0 ORDER BY updated_at DESC`, namespace)
}

func (s *SQLite) ListAllSessions() ([]model.Session, error) {
	return s.listSessions(`SELECT ` + sessionCols + ` FROM sessions WHERE deleted = 0`)
}

func (s *SQLite) PutSession(sess model.Session) error {
	var agentState, todos any
	if sess.AgentState != nil {
		agentState = *sess.AgentState
	}
	if sess.Todos != nil {
		todos = *sess.Todos
	}
	return retryOnBusy(s.retry, func() error {
		_, err := s.db.Exec(`INSERT INTO sessions (`+sessionCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				namespace=excluded.namespace, tag=excluded.tag, seq=excluded.seq,
				metadata=excluded.metadata, metadata_version=excluded.metadata_version,
				agent_state=excluded.agent_state, agent_state_version=excluded.agent_state_version,
				active=excluded.active, active_at=excluded.active_at,
				thinking=excluded.thinking, thinking_at=excluded.thinking_at,
				todos=excluded.todos, permission_mode=excluded.permission_mode,
				model_mode=excluded.model_mode, updated_at=excluded.updated_at,
				deleted=excluded.deleted`,
			sess.ID, sess.Namespace, sess.Tag, sess.Seq, sess.Metadata, sess.MetadataVersion,
			agentState, sess.AgentStateVersion, sess.Active, sess.ActiveAt,
			sess.Thinking, sess.ThinkingAt, todos, sess.PermissionMode, sess.ModelMode,
			sess.CreatedAt, sess.UpdatedAt, sess.Deleted)
		if err != nil {
			return fmt.Errorf("put session: %w", err)
		}
		return nil
	})
}

func (s *SQLite) DeleteSession(id string, now int64) error {
	return retryOnBusy(s.retry, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.Exec(`UPDATE sessions SET deleted = 1, seq = seq + 1, updated_at = ? WHERE id = ? AND deleted = 0`, now, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLite) MergeSessions(srcID, dstID string, now int64) error {
	return retryOnBusy(s.retry, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("merge sessions: %w", err)
		}
		defer tx.Rollback()

		// Replay src's log onto dst in original order with fresh seqs. The
		// rows get new ids: message id is the primary key, and the src rows
		// are only dropped after the copy.
		rows, err := tx.Query(`SELECT content, created_at FROM messages
			WHERE session_id = ? ORDER BY seq ASC`, srcID)
		if err != nil {
			return fmt.Errorf("merge messages: %w", err)
		}
		type moved struct {
			content   string
			createdAt int64
		}
		var pending []moved
		for rows.Next() {
			var m moved
			if err := rows.Scan(&m.content, &m.createdAt); err != nil {
				rows.Close()
				return fmt.Errorf("merge messages: %w", err)
			}
			pending = append(pending, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("merge messages: %w", err)
		}

		var dstSeq int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM messages
			WHERE session_id = ?`, dstID).Scan(&dstSeq); err != nil {
			return fmt.Errorf("merge messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, srcID); err != nil {
			return fmt.Errorf("drop merged messages: %w", err)
		}
		for _, m := range pending {
			dstSeq++
			if _, err := tx.Exec(`INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
				VALUES (?, ?, ?, NULL, ?, ?)`, uuid.NewString(), dstID, dstSeq, m.content, m.createdAt); err != nil {
				return fmt.Errorf("merge messages: %w", err)
			}
		}
		if _, err := tx.Exec(`UPDATE sessions SET deleted = 1, seq = seq + 1, updated_at = ? WHERE id = ?`, now, srcID); err != nil {
			return fmt.Errorf("tombstone merged session: %w", err)
		}
		if _, err := tx.Exec(`UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ?`, now, dstID); err != nil {
			return fmt.Errorf("bump merged session: %w", err)
		}
		return tx.Commit()
	})
}

const machineCols = `id, namespace, seq, metadata, metadata_version, runner_state,
	runner_state_version, active, active_at, created_at, updated_at`

func scanMachine(row interface{ Scan(...any) error }) (model.Machine, error) {
	var m model.Machine
	var runnerState sql.NullString
	err := row.Scan(&m.ID, &m.Namespace, &m.Seq, &m.Metadata, &m.MetadataVersion,
		&runnerState, &m.RunnerStateVersion, &m.Active, &m.ActiveAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return model.Machine{}, err
	}
	if runnerState.Valid {
		v := runnerState.String
		m.RunnerState = &v
	}
	return m, nil
}

func (s *SQLite) GetMachine(id string) (model.Machine, bool, error) {
	row := s.db.QueryRow(`SELECT `+machineCols+` FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Machine{}, false, nil
	}
	if err != nil {
		return model.Machine{}, false, fmt.Errorf("get machine: %w", err)
	}
	return m, true, nil
}

func (s *SQLite) listMachines(query string, args ...any) ([]model.Machine, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	result := make([]model.Machine, 0)
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *SQLite) ListMachines(namespace string) ([]model.Machine, error) {
	return s.listMachines(`SELECT `+machineCols+` FROM machines WHERE namespace = ? ORDER BY updated_at DESC`, namespace)
}

func (s *SQLite) ListAllMachines() ([]model.Machine, error) {
	return s.listMachines(`SELECT ` + machineCols + ` FROM machines`)
}

func (s *SQLite) PutMachine(m model.Machine) error {
	var runnerState any
	if m.RunnerState != nil {
		runnerState = *m.RunnerState
	}
	return retryOnBusy(s.retry, func() error {
		_, err := s.db.Exec(`INSERT INTO machines (`+machineCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				namespace=excluded.namespace, seq=excluded.seq,
				metadata=excluded.metadata, metadata_version=excluded.metadata_version,
				runner_state=excluded.runner_state, runner_state_version=excluded.runner_state_version,
				active=excluded.active, active_at=excluded.active_at,
				updated_at=excluded.updated_at`,
			m.ID, m.Namespace, m.Seq, m.Metadata, m.MetadataVersion,
			runnerState, m.RunnerStateVersion, m.Active, m.ActiveAt, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("put machine: %w", err)
		}
		return nil
	})
}

func (s *SQLite) AppendMessage(sessionID string, localID *string, content string, now int64) (model.Message, bool, error) {
	var msg model.Message
	created := false
	err := retryOnBusy(s.retry, func() error {
		created = false
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		defer tx.Rollback()

		var deleted bool
		if err := tx.QueryRow(`SELECT deleted FROM sessions WHERE id = ?`, sessionID).Scan(&deleted); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("append message: %w", err)
		}
		if deleted {
			return ErrSessionGone
		}

		if localID != nil {
			row := tx.QueryRow(`SELECT id, session_id, seq, local_id, content, created_at
				FROM messages WHERE session_id = ? AND local_id = ?`, sessionID, *localID)
			existing, err := scanMessage(row)
			if err == nil {
				msg = existing
				return tx.Commit()
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("append message: %w", err)
			}
		}

		var seq int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		var local any
		if localID != nil {
			local = *localID
		}
		id := uuid.NewString()
		if _, err := tx.Exec(`INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, id, sessionID, seq, local, content, now); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		msg = model.Message{ID: id, SessionID: sessionID, Seq: seq, LocalID: localID, Content: content, CreatedAt: now}
		created = true
		return tx.Commit()
	})
	if err != nil {
		return model.Message{}, false, err
	}
	return msg, created, nil
}

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var msg model.Message
	var localID sql.NullString
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &localID, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return model.Message{}, err
	}
	if localID.Valid {
		v := localID.String
		msg.LocalID = &v
	}
	return msg, nil
}

func (s *SQLite) listMessages(query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *SQLite) MessagesAfter(sessionID string, afterSeq int64, limit int) ([]model.Message, error) {
	return s.listMessages(`SELECT id, session_id, seq, local_id, content, created_at
		FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit)
}

func (s *SQLite) MessagesBefore(sessionID string, beforeSeq *int64, limit int) ([]model.Message, error) {
	if beforeSeq == nil {
		return s.listMessages(`SELECT id, session_id, seq, local_id, content, created_at
			FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	}
	return s.listMessages(`SELECT id, session_id, seq, local_id, content, created_at
		FROM messages WHERE session_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`,
		sessionID, *beforeSeq, limit)
}
