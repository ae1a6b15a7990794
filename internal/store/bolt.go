// ABOUTME: BoltDB implementation of the Store interface using go.etcd.io/bbolt
// ABOUTME: Keeps records, history, messages, and audit entries in JSON-valued buckets

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/2389/consent-gateway/internal/score"
)

// Top-level buckets. History and messages hold one nested bucket per conversation.
var (
	bucketRecords    = []byte("records")
	bucketHistory    = []byte("history")
	bucketMessages   = []byte("messages")
	bucketMessageIDs = []byte("message_ids")
	bucketAudit      = []byte("audit")
)

// BoltStore implements the Store interface on an embedded bbolt file.
type BoltStore struct {
	db           *bolt.DB
	logger       *slog.Logger
	historyLimit int
}

// NewBoltStore opens (or creates) a bbolt database at path.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	logger := slog.Default().With("component", "store")
	o := buildOptions(opts)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketHistory, bucketMessages, bucketMessageIDs, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("bolt store initialized", "path", path, "history_limit", o.historyLimit)
	return &BoltStore{db: db, logger: logger, historyLimit: o.historyLimit}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	s.logger.Info("closing bolt store")
	return s.db.Close()
}

// seqKey encodes a bucket sequence as a big-endian key so cursors iterate in order.
func seqKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// CreateRecord inserts a new record. History on the input is ignored.
func (s *BoltStore) CreateRecord(ctx context.Context, rec *VerificationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		key := []byte(rec.ConversationID)
		if b.Get(key) != nil {
			return ErrDuplicateRecord
		}
		return putRecord(b, rec)
	})
}

func putRecord(b *bolt.Bucket, rec *VerificationRecord) error {
	c := rec.Clone()
	c.History = nil
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return b.Put([]byte(rec.ConversationID), data)
}

func getRecord(tx *bolt.Tx, conversationID string) (*VerificationRecord, error) {
	data := tx.Bucket(bucketRecords).Get([]byte(conversationID))
	if data == nil {
		return nil, ErrNotFound
	}
	var rec VerificationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}

// GetRecord returns a record with its retained history.
func (s *BoltStore) GetRecord(ctx context.Context, conversationID string) (*VerificationRecord, error) {
	var rec *VerificationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, conversationID)
		if err != nil {
			return err
		}
		rec.History = []score.Snapshot{}
		hb := tx.Bucket(bucketHistory).Bucket([]byte(conversationID))
		if hb == nil {
			return nil
		}
		return hb.ForEach(func(_, v []byte) error {
			var snap score.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("unmarshaling snapshot: %w", err)
			}
			rec.History = append(rec.History, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveRecord updates the record and appends to its history in one transaction.
func (s *BoltStore) SaveRecord(ctx context.Context, rec *VerificationRecord, appended *score.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := getRecord(tx, rec.ConversationID)
		if err != nil {
			return err
		}
		if rec.MessageCount < stored.MessageCount {
			return fmt.Errorf("%w: %d < %d", ErrMessageCountDecreased, rec.MessageCount, stored.MessageCount)
		}
		if err := putRecord(tx.Bucket(bucketRecords), rec); err != nil {
			return err
		}
		if appended == nil {
			return nil
		}

		hb, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(rec.ConversationID))
		if err != nil {
			return fmt.Errorf("creating history bucket: %w", err)
		}
		seq, err := hb.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating history sequence: %w", err)
		}
		data, err := json.Marshal(appended)
		if err != nil {
			return fmt.Errorf("marshaling snapshot: %w", err)
		}
		if err := hb.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("appending snapshot: %w", err)
		}
		return pruneOldest(hb, s.historyLimit)
	})
}

// pruneOldest deletes the oldest keys so at most limit remain.
func pruneOldest(b *bolt.Bucket, limit int) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for i := 0; i < len(keys)-limit; i++ {
		if err := b.Delete(keys[i]); err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
	}
	return nil
}

// ListActiveRecords returns records with monitoring active, without history.
func (s *BoltStore) ListActiveRecords(ctx context.Context) ([]*VerificationRecord, error) {
	var out []*VerificationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec VerificationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			if rec.MonitoringActive {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveMessage appends a message.
func (s *BoltStore) SaveMessage(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketMessageIDs)
		if ids.Get([]byte(msg.ID)) != nil {
			return ErrDuplicateMessage
		}
		mb, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("creating message bucket: %w", err)
		}
		seq, err := mb.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating message sequence: %w", err)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshaling message: %w", err)
		}
		if err := mb.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("storing message: %w", err)
		}
		return ids.Put([]byte(msg.ID), []byte(msg.ConversationID))
	})
}

// ListMessages returns the last limit messages, oldest first.
func (s *BoltStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	limit = normalizeLimit(limit)
	out := []*Message{}
	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if mb == nil {
			return nil
		}
		c := mb.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("unmarshaling message: %w", err)
			}
			out = append(out, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Collected newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages returns the number of stored messages.
func (s *BoltStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if mb == nil {
			return nil
		}
		n = mb.Stats().KeyN
		return nil
	})
	return n, err
}

// AppendAudit appends an audit entry.
func (s *BoltStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating audit sequence: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
}

// ListAudit returns matching entries, newest first.
func (s *BoltStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeLimit(f.Limit)
	out := []AuditEntry{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling audit entry: %w", err)
			}
			if !f.matches(&e) {
				continue
			}
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
