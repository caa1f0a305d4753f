package operator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/codec"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const jobsBucket = "jobs"

var ErrNotInLedger = errors.New("job not in local ledger")

// Entry is the operator's local record of a submitted job. The agent
// identity and the job signature are pinned at submission so the relay
// cannot later substitute the key or the job a result is verified against.
type Entry struct {
	JobID         uuid.UUID  `cbor:"1,keyasint"`
	AgentID       uuid.UUID  `cbor:"2,keyasint"`
	AgentIdentity []byte     `cbor:"3,keyasint"`
	HostName      string     `cbor:"4,keyasint"`
	Command       string     `cbor:"5,keyasint"`
	SubmittedAt   time.Time  `cbor:"6,keyasint"`
	CompletedAt   *time.Time `cbor:"7,keyasint,omitempty"`
	ExitCode      *int       `cbor:"8,keyasint,omitempty"`
	// JobSignature identifies the envelope that was submitted; the result
	// must be sealed under it.
	JobSignature []byte `cbor:"9,keyasint,omitempty"`
	RejectReason string `cbor:"10,keyasint,omitempty"`
}

// Ledger is a bbolt file of Entries keyed by job id.
type Ledger struct {
	db *bolt.DB
}

func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) Record(e Entry) error {
	raw, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).Put(e.JobID[:], raw)
	})
}

func (l *Ledger) Get(jobID uuid.UUID) (*Entry, error) {
	var e Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(jobsBucket)).Get(jobID[:])
		if raw == nil {
			return ErrNotInLedger
		}
		return codec.Unmarshal(raw, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *Ledger) MarkCompleted(jobID uuid.UUID, exitCode int, at time.Time) error {
	at = at.UTC()
	return l.update(jobID, func(e *Entry) {
		e.CompletedAt = &at
		e.ExitCode = &exitCode
	})
}

// MarkRejected records that the agent refused the job. The first reason
// recorded wins.
func (l *Ledger) MarkRejected(jobID uuid.UUID, reason string, at time.Time) error {
	at = at.UTC()
	return l.update(jobID, func(e *Entry) {
		if e.CompletedAt != nil {
			return
		}
		e.CompletedAt = &at
		e.RejectReason = reason
	})
}

func (l *Ledger) update(jobID uuid.UUID, fn func(*Entry)) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(jobsBucket))
		raw := bkt.Get(jobID[:])
		if raw == nil {
			return ErrNotInLedger
		}
		var e Entry
		if err := codec.Unmarshal(raw, &e); err != nil {
			return err
		}
		fn(&e)

		updated, err := codec.Marshal(e)
		if err != nil {
			return err
		}
		return bkt.Put(jobID[:], updated)
	})
}

// List returns all entries, oldest first.
func (l *Ledger) List() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(_, raw []byte) error {
			var e Entry
			if err := codec.Unmarshal(raw, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SubmittedAt.Before(entries[j].SubmittedAt)
	})
	return entries, nil
}
