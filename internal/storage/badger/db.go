// Package badger implements the state and job stores on an embedded
// BadgerDB opened through badgerhold.
package badger

import (
	"fmt"
	"os"
	"strings"

	"github.com/timshannon/badgerhold/v4"
)

// Config locates the database directory.
type Config struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DB owns the badgerhold store shared by StateStore and JobStore.
type DB struct {
	store *badgerhold.Store
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &DB{store: store}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db.store == nil {
		return nil
	}
	if err := db.store.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}
