// Package settings persists small application state in an embedded badger
// database: the selected model, the installed model list and the resume
// record of an interrupted load.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/progress"
)

var (
	keyResume    = []byte("fullmoon/resume")
	keySelected  = []byte("fullmoon/selected-model")
	keyInstalled = []byte("fullmoon/installed-models")
)

// Options configures Open.
type Options struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   logging.Logger
}

// Store is the settings database.
type Store struct {
	db *badger.DB
}

// badgerLogger adapts logging.Logger to badger's logger.
type badgerLogger struct {
	logger logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Error(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warn(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debug(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Trace(format, args...) }

// Open opens or creates the settings database.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("settings directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create settings directory %s: %w", opts.Dir, err)
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get decodes key into v and reports whether it existed.
func (s *Store) get(key []byte, v any) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	return found, err
}

func (s *Store) delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

var _ progress.ResumeStore = (*Store)(nil)

func (s *Store) SaveResume(rec progress.ResumeRecord) error {
	return s.put(keyResume, rec)
}

func (s *Store) LoadResume() (progress.ResumeRecord, bool, error) {
	var rec progress.ResumeRecord
	ok, err := s.get(keyResume, &rec)
	if err != nil || !ok {
		return progress.ResumeRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ClearResume() error {
	return s.delete(keyResume)
}

// SelectedModel returns the last selected model id, or "" when unset.
func (s *Store) SelectedModel() (string, error) {
	var id string
	_, err := s.get(keySelected, &id)
	return id, err
}

func (s *Store) SetSelectedModel(id string) error {
	return s.put(keySelected, id)
}

// InstalledModels returns the ids of models that finished loading at least
// once, in installation order.
func (s *Store) InstalledModels() ([]string, error) {
	var ids []string
	_, err := s.get(keyInstalled, &ids)
	return ids, err
}

// AddInstalledModel records id once.
func (s *Store) AddInstalledModel(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var ids []string
		item, err := txn.Get(keyInstalled)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ids) }); err != nil {
				return err
			}
		}
		if slices.Contains(ids, id) {
			return nil
		}
		data, err := json.Marshal(append(ids, id))
		if err != nil {
			return err
		}
		return txn.Set(keyInstalled, data)
	})
}
