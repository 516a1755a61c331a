package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.vault-mirror/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	deviceIDKey    = []byte("device_id")
	sessionsBucket = []byte("sessions")
	historyBucket  = []byte("sync_history")
)

// Session is a cached bearer token for one backend.
type Session struct {
	Token    string    `json:"token"`
	Email    string    `json:"email"`
	IssuedAt time.Time `json:"issued_at"`
}

// SyncRecord is the outcome of the most recent sync attempt against a
// backend. It survives restarts so the CLI can report it without a
// running engine.
type SyncRecord struct {
	At      time.Time `json:"at"`
	Op      string    `json:"op"`
	Error   string    `json:"error,omitempty"`
	Applied int       `json:"applied,omitempty"`
	Pushed  int       `json:"pushed,omitempty"`
}

// State wraps a bbolt database for device identity and session state.
// Backend configuration and cursors live in the local SQLite store so
// they can share transactions with change application.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, sessionsBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns the persisted device id, or empty string.
func (s *State) DeviceID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(deviceIDKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// EnsureDeviceID returns the persisted device id, generating and storing
// one on first use. A non-empty override replaces whatever is stored.
func (s *State) EnsureDeviceID(override string) (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if override != "" {
			id = override
			return b.Put(deviceIDKey, []byte(id))
		}

		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("persisting device id: %w", err)
	}

	return id, nil
}

// Session returns the cached session for a backend, or nil.
func (s *State) Session(backendID string) (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(backendID))
		if v == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(v, sess)
	})

	return sess, err
}

// SetSession persists the session for a backend.
func (s *State) SetSession(backendID string, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(backendID), data)
	})
}

// DeleteSession removes a cached session. Missing keys are a no-op.
func (s *State) DeleteSession(backendID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(backendID))
	})
}

// RecordSync stores the latest sync outcome for a backend.
func (s *State) RecordSync(backendID string, rec SyncRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Put([]byte(backendID), data)
	})
}

// LastSync returns the latest recorded outcome for a backend, or nil.
func (s *State) LastSync(backendID string) (*SyncRecord, error) {
	var rec *SyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(historyBucket).Get([]byte(backendID))
		if v == nil {
			return nil
		}

		rec = &SyncRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// ForgetBackend drops every entry kept for a backend.
func (s *State) ForgetBackend(backendID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Delete([]byte(backendID)); err != nil {
			return err
		}

		return tx.Bucket(historyBucket).Delete([]byte(backendID))
	})
}

// DefaultDir returns ~/.vault-mirror.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".vault-mirror"), nil
}
