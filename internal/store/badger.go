package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "kv:"

// BadgerBackend is the durable "local" store on an embedded BadgerDB.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens a Badger directory, or a diskless instance when inMemory.
func OpenBadger(dir string, inMemory bool) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if dir == "" {
		return nil, fmt.Errorf("badger directory required")
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Name() string { return DriverLocal + "/badger" }

func (b *BadgerBackend) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *BadgerBackend) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(badgerKeyPrefix+key), value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}

func (b *BadgerBackend) Remove(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + key))
	})
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
