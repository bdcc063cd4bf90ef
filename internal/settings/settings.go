// Package settings persists operator-changed settings across restarts.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	bucketName = []byte("settings")
	recordKey  = []byte("current")
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("settings store closed")

// Settings are the runtime-adjustable values. Zero fields in a stored record
// fall back to the defaults passed to Load.
type Settings struct {
	Bitrate        int    `json:"bitrate"`
	LoggingEnabled *bool  `json:"logging_enabled,omitempty"`
	ActiveProtocol string `json:"active_protocol"`
	PingIntervalMS int    `json:"ping_interval_ms"`
}

// Logging reports the logging flag, defaulting to false when unset
func (s Settings) Logging() bool {
	return s.LoggingEnabled != nil && *s.LoggingEnabled
}

// Store is a bbolt-backed settings record
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Load returns the stored record merged over defaults
func (s *Store) Load(defaults Settings) (Settings, error) {
	if s.db == nil {
		return defaults, ErrClosed
	}

	var stored Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(recordKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &stored)
	})
	if err != nil {
		return defaults, fmt.Errorf("failed to read settings: %w", err)
	}

	merged := defaults
	if stored.Bitrate != 0 {
		merged.Bitrate = stored.Bitrate
	}
	if stored.LoggingEnabled != nil {
		merged.LoggingEnabled = stored.LoggingEnabled
	}
	if stored.ActiveProtocol != "" {
		merged.ActiveProtocol = stored.ActiveProtocol
	}
	if stored.PingIntervalMS != 0 {
		merged.PingIntervalMS = stored.PingIntervalMS
	}
	return merged, nil
}

// Save replaces the stored record
func (s *Store) Save(v Settings) error {
	if s.db == nil {
		return ErrClosed
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(recordKey, raw)
	})
}

// Update applies fn to the current record and saves the result
func (s *Store) Update(defaults Settings, fn func(*Settings)) (Settings, error) {
	cur, err := s.Load(defaults)
	if err != nil {
		return cur, err
	}
	fn(&cur)
	return cur, s.Save(cur)
}
