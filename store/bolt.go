package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/mqy/leaguechat/scope"
)

var (
	bucketScopes = []byte("scopes")
	bucketLog    = []byte("log")
	bucketIds    = []byte("ids")
)

// boltStore implements `IMessageStore` on an embedded bbolt file.
// Every scope is a bucket holding the log (keyed by created time and id) and an id index.
// bbolt serializes write transactions, which makes each mutation atomic.
type boltStore struct {
	db    *bbolt.DB
	clock Clock
}

func OpenBoltStore(path string, clock Clock) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketScopes)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &boltStore{db: db, clock: clock}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

// logKey is big endian created time followed by id, so byte order is (CreatedAt, ID) order.
func logKey(createdAt int64, id string) []byte {
	k := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(createdAt))
	copy(k[8:], id)
	return k
}

// headOf returns the created time of the newest message in log, 0 when empty.
func headOf(log *bbolt.Bucket) int64 {
	k, _ := log.Cursor().Last()
	if len(k) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k))
}

func scopeBucket(tx *bbolt.Tx, key scope.Key, create bool) (log, ids *bbolt.Bucket, err error) {
	root := tx.Bucket(bucketScopes)
	if root == nil {
		return nil, nil, bbolt.ErrBucketNotFound
	}
	var b *bbolt.Bucket
	if create {
		if b, err = root.CreateBucketIfNotExists([]byte(key)); err != nil {
			return nil, nil, err
		}
		if log, err = b.CreateBucketIfNotExists(bucketLog); err != nil {
			return nil, nil, err
		}
		if ids, err = b.CreateBucketIfNotExists(bucketIds); err != nil {
			return nil, nil, err
		}
		return log, ids, nil
	}
	if b = root.Bucket([]byte(key)); b == nil {
		return nil, nil, nil
	}
	return b.Bucket(bucketLog), b.Bucket(bucketIds), nil
}

func getMsg(log, ids *bbolt.Bucket, id string) ([]byte, *Message, error) {
	if log == nil || ids == nil {
		return nil, nil, nil
	}
	k := ids.Get([]byte(id))
	if k == nil {
		return nil, nil, nil
	}
	v := log.Get(k)
	if v == nil {
		return nil, nil, nil
	}
	var m Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), k...), &m, nil
}

func putMsg(log *bbolt.Bucket, k []byte, m *Message) error {
	v, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return log.Put(k, v)
}

func checkScope(op string, key scope.Key) error {
	if _, _, err := scope.Parse(key); err != nil {
		return &Error{Kind: KindValidation, Op: op, Msg: "invalid scope", Err: err}
	}
	return nil
}

func (s *boltStore) Append(ctx context.Context, key scope.Key, draft *Draft) (*Message, error) {
	const op = "append"
	if err := checkScope(op, key); err != nil {
		return nil, err
	}
	text, err := NormalizeText(op, draft.Text)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *Message
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		log, ids, err := scopeBucket(tx, key, true)
		if err != nil {
			return err
		}
		if draft.ReplyTo != "" {
			if _, parent, err := getMsg(log, ids, draft.ReplyTo); err != nil {
				return err
			} else if parent == nil {
				return newError(KindValidation, op, "reply_to: message `%s` not found in scope", draft.ReplyTo)
			}
		}

		m := &Message{
			ID:             newID(),
			Scope:          key,
			Text:           text,
			SenderName:     draft.SenderName,
			SenderIdentity: draft.SenderIdentity,
			// after the newest message even if the clock went back across a restart.
			CreatedAt:      stamp(s.clock, headOf(log)+1),
			ReplyTo:        draft.ReplyTo,
			Reactions:      []ReactionEntry{},
			Version:        1,
		}
		k := logKey(m.CreatedAt, m.ID)
		if err := putMsg(log, k, m); err != nil {
			return err
		}
		if err := ids.Put([]byte(m.ID), k); err != nil {
			return err
		}
		out = m
		return nil
	}); err != nil {
		glog.Errorf("bolt: append to `%s` error: %v", key, err)
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Get(ctx context.Context, key scope.Key, id string) (*Message, error) {
	const op = "get"
	if err := checkScope(op, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Message
	if err := s.db.View(func(tx *bbolt.Tx) error {
		log, ids, err := scopeBucket(tx, key, false)
		if err != nil {
			return err
		}
		_, m, err := getMsg(log, ids, id)
		if err != nil {
			return err
		}
		if m == nil {
			return newError(KindNotFound, op, "message `%s` not found in `%s`", id, key)
		}
		out = m
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// mutate runs fn on message id inside one write transaction. The version is bumped and the
// message written back only when fn reports a change.
func (s *boltStore) mutate(ctx context.Context, op string, key scope.Key, id string, fn func(m *Message) (bool, error)) (*Message, error) {
	if err := checkScope(op, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *Message
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		log, ids, err := scopeBucket(tx, key, false)
		if err != nil {
			return err
		}
		k, m, err := getMsg(log, ids, id)
		if err != nil {
			return err
		}
		if m == nil {
			return newError(KindNotFound, op, "message `%s` not found in `%s`", id, key)
		}
		changed, err := fn(m)
		if err != nil {
			return err
		}
		if changed {
			m.Version++
			if err := putMsg(log, k, m); err != nil {
				return err
			}
		}
		out = m
		return nil
	}); err != nil {
		if KindOf(err) == 0 {
			glog.Errorf("bolt: %s `%s` in `%s` error: %v", op, id, key, err)
		}
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Edit(ctx context.Context, key scope.Key, id, text string) (*Message, error) {
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

func (s *boltStore) SoftDelete(ctx context.Context, key scope.Key, id, by string) (*Message, error) {
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

func (s *boltStore) ToggleReaction(ctx context.Context, key scope.Key, id, emoji, participant string) (*Message, error) {
	const op = "react"
	if err := ValidateEmoji(op, emoji); err != nil {
		return nil, err
	}
	return s.mutate(ctx, op, key, id, func(m *Message) (bool, error) {
		m.Reactions = ToggleReaction(m.Reactions, emoji, participant)
		return true, nil
	})
}

func (s *boltStore) Read(ctx context.Context, key scope.Key, window int, before *Cursor) ([]*Message, error) {
	const op = "read"
	if err := checkScope(op, key); err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, newError(KindValidation, op, "window: should be positive integer")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Message
	if err := s.db.View(func(tx *bbolt.Tx) error {
		log, _, err := scopeBucket(tx, key, false)
		if err != nil || log == nil {
			return err
		}

		c := log.Cursor()
		var k, v []byte
		if before == nil {
			k, v = c.Last()
		} else {
			// Seek lands on the first key >= cursor, the page starts right before it.
			if k, _ = c.Seek(logKey(before.CreatedAt, before.ID)); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(out) < window; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	}); err != nil {
		glog.Errorf("bolt: read `%s` before %s error: %v", key, before, err)
		return nil, err
	}

	// fetched newest first, returned oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
