// Package badger implements a durable rollback.Log on top of BadgerDB.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

// Key Namespace
// =============
//
// Prefix   Key Format                  Value
// ------------------------------------------------------------
// "s:"     s:<stackID>                 rollback.Info (JSON)
// "c:"     c:<stackID>:<seq, 8 bytes>  rollback.Command (JSON)
//
// Sequence numbers are big-endian so a prefix scan over "c:<stackID>:"
// returns commands bottom first.
const (
	prefixStack   = "s:"
	prefixCommand = "c:"
)

func keyStack(id string) []byte {
	return []byte(prefixStack + id)
}

func keyCommandPrefix(id string) []byte {
	return []byte(prefixCommand + id + ":")
}

func keyCommand(id string, seq uint64) []byte {
	key := keyCommandPrefix(id)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// Config contains configuration for opening the log.
type Config struct {
	// DBPath is the directory where BadgerDB keeps its files.
	DBPath string `mapstructure:"db_path"`

	// SyncWrites forces an fsync per transaction (default: true). Rollback
	// commands are only useful if they hit the disk before the command runs.
	SyncWrites *bool `mapstructure:"sync_writes"`

	// BadgerOptions overrides every other setting when non-nil.
	BadgerOptions *badger.Options `mapstructure:"-"`
}

// Log is a rollback.Log persisted in BadgerDB.
//
// Thread Safety: BadgerDB transactions are serializable; the log needs no
// additional locking.
type Log struct {
	db *badger.DB
}

// Open opens (or creates) the log at cfg.DBPath.
//
// Parameters:
//   - ctx: Context for cancellation before the database is opened
//   - cfg: Database location and options
//
// Returns:
//   - *Log: Ready to use log
//   - error: Error if the database cannot be opened
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.BadgerOptions != nil {
		opts = *cfg.BadgerOptions
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("badger rollback log: db_path is required")
		}
		syncWrites := true
		if cfg.SyncWrites != nil {
			syncWrites = *cfg.SyncWrites
		}
		// Rollback logs are tiny and short lived: no compression, small caches.
		opts = badger.DefaultOptions(cfg.DBPath).
			WithLoggingLevel(badger.WARNING).
			WithCompression(options.None).
			WithSyncWrites(syncWrites).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", opts.Dir, err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Create(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyStack(id))
		if err == nil {
			return fmt.Errorf("%s: %w", id, rollback.ErrStackExists)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putInfo(txn, rollback.Info{ID: id, CreatedAt: time.Now()})
	})
}

func (l *Log) Append(ctx context.Context, id string, cmd rollback.Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq uint64
	err := l.db.Update(func(txn *badger.Txn) error {
		info, err := getInfo(txn, id)
		if err != nil {
			return err
		}
		seq = info.NextSeq
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("failed to encode command: %w", err)
		}
		if err := txn.Set(keyCommand(id, seq), data); err != nil {
			return err
		}
		info.NextSeq++
		return putInfo(txn, info)
	})
	return seq, err
}

func (l *Log) Remove(_ context.Context, id string, seq uint64) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyCommand(id, seq))
	})
}

func (l *Log) Entries(_ context.Context, id string) ([]rollback.Entry, error) {
	var out []rollback.Entry
	err := l.db.View(func(txn *badger.Txn) error {
		if _, err := getInfo(txn, id); err != nil {
			return err
		}

		prefix := keyCommandPrefix(id)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+8 {
				continue
			}
			seq := binary.BigEndian.Uint64(key[len(prefix):])
			err := item.Value(func(val []byte) error {
				var cmd rollback.Command
				if err := json.Unmarshal(val, &cmd); err != nil {
					return fmt.Errorf("failed to decode command %d of stack %s: %w", seq, id, err)
				}
				out = append(out, rollback.Entry{Seq: seq, Command: cmd})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (l *Log) SetLocked(_ context.Context, id string, locked bool) error {
	return l.db.Update(func(txn *badger.Txn) error {
		info, err := getInfo(txn, id)
		if err != nil {
			return err
		}
		info.Locked = locked
		return putInfo(txn, info)
	})
}

func (l *Log) Delete(_ context.Context, id string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyCommandPrefix(id)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(keyStack(id))
	})
}

func (l *Log) Info(_ context.Context, id string) (rollback.Info, error) {
	var info rollback.Info
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		info, err = getInfo(txn, id)
		return err
	})
	return info, err
}

func (l *Log) List(_ context.Context) ([]rollback.Info, error) {
	var out []rollback.Info
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixStack)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var info rollback.Info
				if err := json.Unmarshal(val, &info); err != nil {
					return err
				}
				out = append(out, info)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// Close flushes and closes the database.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

func getInfo(txn *badger.Txn, id string) (rollback.Info, error) {
	var info rollback.Info
	item, err := txn.Get(keyStack(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return info, fmt.Errorf("%s: %w", id, rollback.ErrStackNotFound)
	}
	if err != nil {
		return info, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &info)
	})
	return info, err
}

func putInfo(txn *badger.Txn, info rollback.Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode stack info: %w", err)
	}
	return txn.Set(keyStack(info.ID), data)
}

var _ rollback.Log = (*Log)(nil)
