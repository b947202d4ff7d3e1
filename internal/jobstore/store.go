// Package jobstore implements component C3: durable Job and
// JobSettingsMeta records with exclusive claim semantics. Grounded on
// the teacher's own storage stack (internal/storage/badger/connection.go,
// job_storage.go) — dgraph-io/badger/v4 wrapped by timshannon/badgerhold/v4 —
// generalized from the teacher's generic JobModel to the Job/SettingsMeta
// schema this service needs.
package jobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// Config mirrors the subset of common.StorageConfig the store needs,
// kept narrow so this package doesn't import internal/common.
type Config struct {
	BadgerPath     string
	ResetOnStartup bool
}

// Store is the Job Store (C3): a badgerhold-backed database plus an
// in-process mutex serializing claims. Badger takes an exclusive
// directory lock on Open, so at most one OS process ever holds this
// store open — see DESIGN.md for why that resolves spec.md §9's "are
// multiple dispatcher supervisors expected" open question for this
// backend: they structurally cannot coexist against one Badger directory.
type Store struct {
	db        *badgerhold.Store
	logger    arbor.ILogger
	claimLock sync.Mutex
}

// Open opens (creating if absent) the Badger-backed job store.
func Open(logger arbor.ILogger, config Config) (*Store, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.BadgerPath); err == nil {
			logger.Debug().Str("path", config.BadgerPath).Msg("Deleting existing job store (reset_on_startup=true)")
			if err := os.RemoveAll(config.BadgerPath); err != nil {
				logger.Warn().Err(err).Str("path", config.BadgerPath).Msg("Failed to delete job store directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.BadgerPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job store parent directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.BadgerPath
	options.ValueDir = config.BadgerPath
	options.Logger = nil // arbor is the service's logger, not badger's internal one

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store at %s: %w", config.BadgerPath, err)
	}

	logger.Debug().Str("path", config.BadgerPath).Msg("Job store opened")

	return &Store{db: db, logger: logger}, nil
}

// Close releases the store's directory lock.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
