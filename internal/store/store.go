// Package store persists the little state a qube keeps across restarts: its
// identity, a boot counter, why it last stopped, and a bounded journal of
// lifecycle transitions. Cluster membership is never persisted; it is
// rediscovered on every start.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// FileName is the database file created inside the data directory.
const FileName = "disqube.db"

// JournalLimit caps the number of transitions kept; older ones are pruned.
const JournalLimit = 256

var (
	bucketMeta    = []byte("meta")
	bucketJournal = []byte("journal")

	keyNodeID   = []byte("node_id")
	keyBoots    = []byte("boots")
	keyShutdown = []byte("shutdown")
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("store: not found")

// Transition is one journaled state change.
type Transition struct {
	Seq  uint64
	At   time.Time
	From string
	To   string
}

// Store is a bbolt-backed key/value file. It is safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the store file in dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	path := filepath.Join(dir, FileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketJournal} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// NodeID returns the persisted node identity or ErrNotFound.
func (s *Store) NodeID() (string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyNodeID)
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	return id, err
}

// SetNodeID persists the node identity.
func (s *Store) SetNodeID(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyNodeID, []byte(id))
	})
}

// IncrementBoots bumps the boot counter and returns the new value.
func (s *Store) IncrementBoots() (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyBoots); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		n++
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n)
		return b.Put(keyBoots, buf[:])
	})
	return n, err
}

// Boots returns the boot counter, zero if the node never booted.
func (s *Store) Boots() (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyBoots); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return n, err
}

// SetShutdownReason records why the node is stopping.
func (s *Store) SetShutdownReason(reason string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyShutdown, []byte(reason))
	})
}

// ShutdownReason returns the last recorded reason or ErrNotFound.
func (s *Store) ShutdownReason() (string, error) {
	var reason string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyShutdown)
		if v == nil {
			return ErrNotFound
		}
		reason = string(v)
		return nil
	})
	return reason, err
}

// AppendTransition journals a state change, pruning the oldest entries past
// JournalLimit.
func (s *Store) AppendTransition(at time.Time, from, to string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), marshalTransition(at, from, to)); err != nil {
			return err
		}

		if seq <= JournalLimit {
			return nil
		}
		cutoff := seq - JournalLimit
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Transitions returns the journal oldest first.
func (s *Store) Transitions() ([]Transition, error) {
	var out []Transition
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJournal).ForEach(func(k, v []byte) error {
			t, err := unmarshalTransition(v)
			if err != nil {
				return err
			}
			t.Seq = binary.BigEndian.Uint64(k)
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// A transition is stored as:
//
//	[atMs    : 8 bytes, int64 ]
//	[fromLen : 1 byte         ]
//	[from    : fromLen bytes  ]
//	[toLen   : 1 byte         ]
//	[to      : toLen bytes    ]

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func marshalTransition(at time.Time, from, to string) []byte {
	from, to = clip(from), clip(to)
	buf := make([]byte, 8+1+len(from)+1+len(to))
	binary.BigEndian.PutUint64(buf, uint64(at.UnixMilli()))
	buf[8] = uint8(len(from))
	copy(buf[9:], from)
	buf[9+len(from)] = uint8(len(to))
	copy(buf[10+len(from):], to)
	return buf
}

func unmarshalTransition(buf []byte) (Transition, error) {
	if len(buf) < 10 {
		return Transition{}, fmt.Errorf("store: transition too short (%d bytes)", len(buf))
	}
	fromLen := int(buf[8])
	if 9+fromLen+1 > len(buf) {
		return Transition{}, fmt.Errorf("store: from length %d exceeds buffer", fromLen)
	}
	toLen := int(buf[9+fromLen])
	if 10+fromLen+toLen > len(buf) {
		return Transition{}, fmt.Errorf("store: to length %d exceeds buffer", toLen)
	}
	return Transition{
		At:   time.UnixMilli(int64(binary.BigEndian.Uint64(buf))),
		From: string(buf[9 : 9+fromLen]),
		To:   string(buf[10+fromLen : 10+fromLen+toLen]),
	}, nil
}

func clip(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}
