package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/leaguechat/scope"
)

const (
	msgColumns = "id, scope_key, text, sender_name, sender_identity, created_at, " +
		"edited, edited_at, deleted, deleted_at, deleted_by, reply_to, reactions, version"

	insertMsgSQL = "INSERT INTO messages (" + msgColumns + ") VALUES (?,?,?,?,?,?,0,0,0,0,'',?,?,1)"
	getMsgSQL    = "SELECT " + msgColumns + " FROM messages WHERE scope_key = ? AND id = ?"
	lockMsgSQL   = getMsgSQL + " FOR UPDATE"
	existsMsgSQL = "SELECT 1 FROM messages WHERE scope_key = ? AND id = ?"

	maxCreatedSQL = "SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE scope_key = ?"
	ensureHeadSQL = "INSERT IGNORE INTO scope_heads (scope_key, last_at) VALUES (?, ?)"
	lockHeadSQL   = "SELECT last_at FROM scope_heads WHERE scope_key = ? FOR UPDATE"
	setHeadSQL    = "UPDATE scope_heads SET last_at = ? WHERE scope_key = ?"
	updateMsgSQL = "UPDATE messages SET text = ?, edited = ?, edited_at = ?, deleted = ?, deleted_at = ?, " +
		"deleted_by = ?, reactions = ?, version = version + 1 WHERE scope_key = ? AND id = ? AND version = ?"

	readHeadSQL = "SELECT " + msgColumns + " FROM messages WHERE scope_key = ? " +
		"ORDER BY created_at DESC, id DESC LIMIT ?"
	readBeforeSQL = "SELECT " + msgColumns + " FROM messages WHERE scope_key = ? " +
		"AND (created_at < ? OR (created_at = ? AND id < ?)) " +
		"ORDER BY created_at DESC, id DESC LIMIT ?"
)

const (
	mysqlErrDupKey   = 1062
	mysqlErrDeadlock = 1213

	maxDeadlockRetries = 3
)

// mysqlStore implements `IMessageStore` on MySQL. Mutations lock the row with
// SELECT ... FOR UPDATE, so concurrent read-modify-write of one message serializes.
//
// Created times are taken from the per-scope head row, so nodes sharing the database agree
// on message order even when their clocks disagree. clock only moves the head forward.
type mysqlStore struct {
	*sql.DB
	clock Clock
	heads sync.Map // scope.Key -> struct{}, head row known to exist
}

func NewMySQLStore(db *sql.DB, clock Clock) *mysqlStore {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &mysqlStore{DB: db, clock: clock}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		return rollback(tx, err)
	}

	return tx.Commit()
}

// rollback aborts tx after cause. A failed rollback is logged and reported along with cause.
func rollback(tx interface{ Rollback() error }, cause error) error {
	err := tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return cause
	}
	glog.Errorf("failed to rollback: %v, cause: %v", err, cause)
	return fmt.Errorf("%w (rollback: %v)", cause, err)
}

// errHeadMissing is returned when the head row of a scope vanished after ensureHead.
var errHeadMissing = errors.New("mysql: scope head row missing")

// retry runs fn again on deadlock or when accept says so, at most maxDeadlockRetries times.
func retry(ctx context.Context, op, what string, accept func(err error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxDeadlockRetries; attempt++ {
		err = fn()
		if err == nil || !(isMySQLError(err, mysqlErrDeadlock) || accept(err)) {
			return err
		}
		glog.V(5).Infof("mysql: %s `%s` retry %d: %v", op, what, attempt+1, err)
		select {
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func never(error) bool { return false }

// ensureHead creates the head row of key, seeded from the log, unless it exists.
func (s *mysqlStore) ensureHead(ctx context.Context, key scope.Key) error {
	if _, ok := s.heads.Load(key); ok {
		return nil
	}
	var last int64
	if err := s.QueryRowContext(ctx, maxCreatedSQL, string(key)).Scan(&last); err != nil {
		glog.Errorf("max created scan err: %v", err)
		return err
	}
	if _, err := s.ExecContext(ctx, ensureHeadSQL, string(key), last); err != nil {
		glog.Errorf("ensure scope head exec err: %v", err)
		return err
	}
	s.heads.Store(key, struct{}{})
	return nil
}

// nextCreatedAt locks the head row of key and advances it past the newest message, so a
// message is always stamped after every message committed before it.
func (s *mysqlStore) nextCreatedAt(ctx context.Context, tx *sql.Tx, key scope.Key) (int64, error) {
	var head int64
	if err := tx.QueryRowContext(ctx, lockHeadSQL, string(key)).Scan(&head); err == sql.ErrNoRows {
		s.heads.Delete(key)
		return 0, errHeadMissing
	} else if err != nil {
		glog.Errorf("lock scope head scan err: %v", err)
		return 0, err
	}

	at := stamp(s.clock, head+1)
	if _, err := tx.ExecContext(ctx, setHeadSQL, at, string(key)); err != nil {
		return 0, err
	}
	return at, nil
}

func isMySQLError(err error, number uint16) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == number
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMsg(row rowScanner) (*Message, error) {
	var m Message
	var reactions []byte
	var key string
	if err := row.Scan(&m.ID, &key, &m.Text, &m.SenderName, &m.SenderIdentity, &m.CreatedAt,
		&m.Edited, &m.EditedAt, &m.Deleted, &m.DeletedAt, &m.DeletedBy, &m.ReplyTo, &reactions, &m.Version); err != nil {
		return nil, err
	}
	m.Scope = scope.Key(key)
	m.Reactions = []ReactionEntry{}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (s *mysqlStore) Append(ctx context.Context, key scope.Key, draft *Draft) (*Message, error) {
	const op = "append"
	if err := checkScope(op, key); err != nil {
		return nil, err
	}
	text, err := NormalizeText(op, draft.Text)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:             newID(),
		Scope:          key,
		Text:           text,
		SenderName:     draft.SenderName,
		SenderIdentity: draft.SenderIdentity,
		ReplyTo:        draft.ReplyTo,
		Reactions:      []ReactionEntry{},
		Version:        1,
	}

	if err := retry(ctx, op, string(key), func(err error) bool { return errors.Is(err, errHeadMissing) }, func() error {
		if err := s.ensureHead(ctx, key); err != nil {
			return err
		}
		return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return s.insert(ctx, tx, op, key, m)
		})
	}); err != nil {
		if isMySQLError(err, mysqlErrDupKey) {
			return nil, &Error{Kind: KindConflict, Op: op, Msg: "duplicate message id", Err: err}
		}
		if isMySQLError(err, mysqlErrDeadlock) || errors.Is(err, errHeadMissing) {
			return nil, &Error{Kind: KindConflict, Op: op, Msg: "deadlock retries exhausted", Err: err}
		}
		return nil, err
	}
	return m, nil
}

// insert stamps m from the scope head and writes it.
func (s *mysqlStore) insert(ctx context.Context, tx *sql.Tx, op string, key scope.Key, m *Message) error {
	if m.ReplyTo != "" {
		var one int
		if err := tx.QueryRowContext(ctx, existsMsgSQL, string(key), m.ReplyTo).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return newError(KindValidation, op, "reply_to: message `%s` not found in scope", m.ReplyTo)
			}
			return err
		}
	}

	at, err := s.nextCreatedAt(ctx, tx, key)
	if err != nil {
		return err
	}
	m.CreatedAt = at

	if _, err := tx.ExecContext(ctx, insertMsgSQL, m.ID, string(key), m.Text, m.SenderName,
		m.SenderIdentity, m.CreatedAt, m.ReplyTo, "[]"); err != nil {
		glog.Errorf("insert message exec err: %v", err)
		return err
	}
	return nil
}

func (s *mysqlStore) Get(ctx context.Context, key scope.Key, id string) (*Message, error) {
	const op = "get"
	if err := checkScope(op, key); err != nil {
		return nil, err
	}
	m, err := scanMsg(s.QueryRowContext(ctx, getMsgSQL, string(key), id))
	if err == sql.ErrNoRows {
		return nil, newError(KindNotFound, op, "message `%s` not found in `%s`", id, key)
	} else if err != nil {
		glog.Errorf("get message scan err: %v", err)
		return nil, err
	}
	return m, nil
}

// mutate locks message id, applies fn and writes it back in one transaction.
// Deadlocks are retried, then reported as conflict.
func (s *mysqlStore) mutate(ctx context.Context, op string, key scope.Key, id string, fn func(m *Message) (bool, error)) (*Message, error) {
	if err := checkScope(op, key); err != nil {
		return nil, err
	}

	var out *Message
	err := retry(ctx, op, id, never, func() error {
		return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			m, err := scanMsg(tx.QueryRowContext(ctx, lockMsgSQL, string(key), id))
			if err == sql.ErrNoRows {
				return newError(KindNotFound, op, "message `%s` not found in `%s`", id, key)
			} else if err != nil {
				return err
			}

			changed, err := fn(m)
			if err != nil {
				return err
			}
			if !changed {
				out = m
				return nil
			}

			reactions, err := json.Marshal(m.Reactions)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, updateMsgSQL, m.Text, m.Edited, m.EditedAt, m.Deleted, m.DeletedAt,
				m.DeletedBy, reactions, string(key), id, m.Version)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return newError(KindConflict, op, "message `%s` changed concurrently", id)
			}
			m.Version++
			out = m
			return nil
		})
	})

	if err != nil {
		if isMySQLError(err, mysqlErrDeadlock) {
			return nil, &Error{Kind: KindConflict, Op: op, Msg: "deadlock retries exhausted", Err: err}
		}
		if KindOf(err) == 0 {
			glog.Errorf("mysql: %s `%s` in `%s` error: %v", op, id, key, err)
		}
		return nil, err
	}
	return out, nil
}

func (s *mysqlStore) Edit(ctx context.Context, key scope.Key, id, text string) (*Message, error) {
	const op = "edit"
	text, err := NormalizeText(op, text)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, op, key, id, func(m *Message) (bool, error) {
		m.Text = text
		m.Edited = true
		m.EditedAt = stamp(s.clock, m.CreatedAt)
		return true, nil
	})
}

func (s *mysqlStore) SoftDelete(ctx context.Context, key scope.Key, id, by string) (*Message, error) {
	return s.mutate(ctx, "delete", key, id, func(m *Message) (bool, error) {
		if m.Deleted {
			return false, nil
		}
		m.Deleted = true
		m.DeletedAt = stamp(s.clock, m.CreatedAt)
		m.DeletedBy = by
		return true, nil
	})
}

func (s *mysqlStore) ToggleReaction(ctx context.Context, key scope.Key, id, emoji, participant string) (*Message, error) {
	const op = "react"
	if err := ValidateEmoji(op, emoji); err != nil {
		return nil, err
	}
	return s.mutate(ctx, op, key, id, func(m *Message) (bool, error) {
		m.Reactions = ToggleReaction(m.Reactions, emoji, participant)
		return true, nil
	})
}

func (s *mysqlStore) Read(ctx context.Context, key scope.Key, window int, before *Cursor) ([]*Message, error) {
	const op = "read"
	if err := checkScope(op, key); err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, newError(KindValidation, op, "window: should be positive integer")
	}

	var rows *sql.Rows
	var err error
	if before == nil {
		rows, err = s.QueryContext(ctx, readHeadSQL, string(key), window)
	} else {
		rows, err = s.QueryContext(ctx, readBeforeSQL, string(key), before.CreatedAt, before.CreatedAt, before.ID, window)
	}
	if err != nil {
		glog.Errorf("read messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMsg(rows)
		if err != nil {
			glog.Errorf("read messages scan err: %v", err)
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
