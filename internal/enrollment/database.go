package enrollment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

const (
	draftBucketName = "drafts"
	authBucketName  = "auth"
	currentKey      = "current"
)

// ErrNotFound is returned when no draft or session has been stored
var ErrNotFound = errors.New("not found")

// draftEncoding keeps capture timestamps at full precision
var draftEncoding = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("building cbor encoder: %v", err))
	}
	return em
}

// DB defines the interface for database operations
type DB interface {
	// SaveDraft stores the enrollment in progress
	SaveDraft(draft *Draft) error

	// GetDraft retrieves the enrollment in progress
	GetDraft() (*Draft, error)

	// DeleteDraft removes the enrollment in progress
	DeleteDraft() error

	// SaveSession stores the logged-in session
	SaveSession(session *AuthSession) error

	// GetSession retrieves the logged-in session
	GetSession() (*AuthSession, error)

	// DeleteSession removes the logged-in session
	DeleteSession() error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(draftBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(authBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveDraft stores the draft CBOR-encoded
func (b *BoltDB) SaveDraft(draft *Draft) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(draftBucketName))
		data, err := draftEncoding.Marshal(draft)
		if err != nil {
			return fmt.Errorf("marshaling draft: %w", err)
		}
		return bucket.Put([]byte(currentKey), data)
	})
}

// GetDraft retrieves the draft
func (b *BoltDB) GetDraft() (*Draft, error) {
	var draft *Draft
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(draftBucketName))
		data := bucket.Get([]byte(currentKey))
		if data == nil {
			return ErrNotFound
		}
		if err := cbor.Unmarshal(data, &draft); err != nil {
			return fmt.Errorf("unmarshaling draft: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// DeleteDraft removes the draft
func (b *BoltDB) DeleteDraft() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(draftBucketName))
		return bucket.Delete([]byte(currentKey))
	})
}

// SaveSession stores the auth session
func (b *BoltDB) SaveSession(session *AuthSession) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucketName))
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		return bucket.Put([]byte(currentKey), data)
	})
}

// GetSession retrieves the auth session
func (b *BoltDB) GetSession() (*AuthSession, error) {
	var session *AuthSession
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucketName))
		data := bucket.Get([]byte(currentKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteSession removes the auth session
func (b *BoltDB) DeleteSession() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucketName))
		return bucket.Delete([]byte(currentKey))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
