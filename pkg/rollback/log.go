// Package rollback implements the rollback stack used by registration
// transactions: an append-only, persisted log of undoable commands.
//
// Commands are written to the Log before they are executed (write-ahead), so a
// process that dies halfway through a transaction leaves enough on disk for the
// next process to undo the filesystem changes in reverse order. A stack is
// "locked" once its transaction reached a recovery checkpoint; locked stacks are
// skipped by the dead-transaction sweep and handed to recovery instead.
package rollback

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Log implementations.
var (
	// ErrStackNotFound indicates no stack with the given id exists in the log.
	ErrStackNotFound = errors.New("rollback stack not found")

	// ErrStackExists indicates Create was called with an id already in use.
	ErrStackExists = errors.New("rollback stack already exists")

	// ErrStackDiscarded indicates an operation on a stack that was discarded.
	ErrStackDiscarded = errors.New("rollback stack discarded")
)

// Info describes one stack without loading its commands.
type Info struct {
	ID        string    `json:"id"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
	NextSeq   uint64    `json:"next_seq"`
}

// Entry is a command together with its position in the stack.
type Entry struct {
	Seq     uint64  `json:"seq"`
	Command Command `json:"command"`
}

// Log is the persistence backend for rollback stacks.
//
// Implementations must be safe for concurrent use. Each stack is only mutated
// by the transaction owning it, but different stacks are written concurrently.
type Log interface {
	// Create registers a new empty stack.
	Create(ctx context.Context, id string) error

	// Append stores cmd at the top of the stack and returns its sequence number.
	Append(ctx context.Context, id string, cmd Command) (uint64, error)

	// Remove deletes the command at seq. Removing a missing command is a no-op.
	Remove(ctx context.Context, id string, seq uint64) error

	// Entries returns the commands of a stack ordered by ascending sequence.
	Entries(ctx context.Context, id string) ([]Entry, error)

	// SetLocked persists the locked flag of a stack.
	SetLocked(ctx context.Context, id string, locked bool) error

	// Delete removes a stack and all of its commands. Deleting a missing
	// stack is a no-op.
	Delete(ctx context.Context, id string) error

	// Info returns the descriptor of one stack.
	Info(ctx context.Context, id string) (Info, error)

	// List returns the descriptors of all stacks, oldest first.
	List(ctx context.Context) ([]Info, error)

	// Close releases resources held by the log.
	Close() error
}
