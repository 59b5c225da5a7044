package rollback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/dropboxd/internal/logger"
)

// Stack is the rollback stack of one registration transaction.
//
// Commands are appended while the transaction moves forward and undone in
// strict reverse order on rollback. Every mutation is persisted through the
// Log before it takes effect on disk.
//
// Thread Safety: Safe for concurrent use, though a stack normally belongs to a
// single transaction.
type Stack struct {
	mu        sync.Mutex
	id        string
	log       Log
	handlers  map[Kind]Handler
	entries   []Entry
	locked    bool
	discarded bool
}

// New creates an empty stack with a random id and persists it.
func New(ctx context.Context, log Log) (*Stack, error) {
	id := uuid.NewString()
	if err := log.Create(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to create rollback stack: %w", err)
	}
	return &Stack{
		id:       id,
		log:      log,
		handlers: builtinHandlers(),
	}, nil
}

// Open reloads a persisted stack, typically after a restart.
func Open(ctx context.Context, log Log, id string) (*Stack, error) {
	info, err := log.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := log.Entries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollback stack %s: %w", id, err)
	}
	return &Stack{
		id:       id,
		log:      log,
		handlers: builtinHandlers(),
		entries:  entries,
		locked:   info.Locked,
	}, nil
}

// ID returns the persistent identifier of the stack.
func (s *Stack) ID() string {
	return s.id
}

// Register installs the handler for a command kind. Built-in kinds may be
// overridden.
func (s *Stack) Register(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// PushAndExecute persists cmd and then executes it. When execution fails the
// command is removed again, since handlers are atomic.
func (s *Stack) PushAndExecute(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.discarded {
		return ErrStackDiscarded
	}
	h, ok := s.handlers[cmd.Kind]
	if !ok {
		return fmt.Errorf("no rollback handler registered for %q", cmd.Kind)
	}

	seq, err := s.log.Append(ctx, s.id, cmd)
	if err != nil {
		return fmt.Errorf("failed to persist rollback command %s: %w", cmd, err)
	}

	if err := h.Execute(ctx, cmd); err != nil {
		if rmErr := s.log.Remove(ctx, s.id, seq); rmErr != nil {
			logger.Warn("Rollback stack %s: failed to forget command %s: %v", s.id, cmd, rmErr)
			s.entries = append(s.entries, Entry{Seq: seq, Command: cmd})
		}
		return err
	}

	s.entries = append(s.entries, Entry{Seq: seq, Command: cmd})
	logger.Debug("Rollback stack %s: executed %s", s.id, cmd)
	return nil
}

// MkdirAll pushes one mkdir command per missing level of path, outermost
// first, so a rollback removes exactly the levels this stack created.
func (s *Stack) MkdirAll(ctx context.Context, path string) error {
	path = filepath.Clean(path)

	var missing []string
	for dir := path; ; dir = filepath.Dir(dir) {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s exists and is not a directory", dir)
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		missing = append(missing, dir)
		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := s.PushAndExecute(ctx, Mkdir(missing[i])); err != nil {
			return err
		}
	}
	return nil
}

// RollbackAll undoes every command in reverse order. Undo failures are
// collected and do not stop the remaining commands; commands of unknown kind
// are skipped with a warning.
func (s *Stack) RollbackAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.discarded {
		return nil
	}

	var errs []error
	for len(s.entries) > 0 {
		last := s.entries[len(s.entries)-1]
		s.entries = s.entries[:len(s.entries)-1]

		if h, ok := s.handlers[last.Command.Kind]; ok {
			if err := h.Undo(ctx, last.Command); err != nil {
				logger.Error("Rollback stack %s: failed to undo %s: %v", s.id, last.Command, err)
				errs = append(errs, fmt.Errorf("undo %s: %w", last.Command, err))
			} else {
				logger.Debug("Rollback stack %s: undid %s", s.id, last.Command)
			}
		} else {
			logger.Warn("Rollback stack %s: no handler for %s, skipping", s.id, last.Command)
		}

		if err := s.log.Remove(ctx, s.id, last.Seq); err != nil {
			errs = append(errs, fmt.Errorf("forget %s: %w", last.Command, err))
		}
	}

	return errors.Join(errs...)
}

// Lock marks the stack as owned by a recovery checkpoint.
func (s *Stack) Lock(ctx context.Context) error {
	return s.setLocked(ctx, true)
}

// Unlock hands the stack back to the dead-transaction sweep.
func (s *Stack) Unlock(ctx context.Context) error {
	return s.setLocked(ctx, false)
}

func (s *Stack) setLocked(ctx context.Context, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return ErrStackDiscarded
	}
	if err := s.log.SetLocked(ctx, s.id, locked); err != nil {
		return err
	}
	s.locked = locked
	return nil
}

// Locked reports whether the stack is held by a recovery checkpoint.
func (s *Stack) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Discard forgets the stack once its transaction reached a terminal state.
// Discarding twice is a no-op.
func (s *Stack) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return nil
	}
	if err := s.log.Delete(ctx, s.id); err != nil {
		return fmt.Errorf("failed to discard rollback stack %s: %w", s.id, err)
	}
	s.discarded = true
	s.entries = nil
	return nil
}

// Size returns the number of commands currently on the stack.
func (s *Stack) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Commands returns a copy of the commands, bottom first.
func (s *Stack) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Command
	}
	return out
}

// RollbackDeadStacks undoes and discards every unlocked stack in log. It is
// meant to run at startup, before any new registration begins; stacks still
// present were left by transactions that died mid-flight.
//
// Parameters:
//   - ctx: Context for cancellation
//   - log: The rollback log to sweep
//   - handlers: Handlers for command kinds beyond the built-in ones, installed
//     on every reopened stack (may be nil)
//
// Returns:
//   - int: The number of stacks rolled back
//   - error: Every failure joined; a failing stack does not stop the sweep
func RollbackDeadStacks(ctx context.Context, log Log, handlers map[Kind]Handler) (int, error) {
	infos, err := log.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list rollback stacks: %w", err)
	}

	var errs []error
	count := 0
	for _, info := range infos {
		if info.Locked {
			logger.Debug("Rollback stack %s is locked by a recovery checkpoint, skipping", info.ID)
			continue
		}
		stack, err := Open(ctx, log, info.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for kind, h := range handlers {
			stack.Register(kind, h)
		}
		logger.Info("Rolling back dead transaction %s (%d commands)", info.ID, stack.Size())
		if err := stack.RollbackAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := stack.Discard(ctx); err != nil {
			errs = append(errs, err)
		}
		count++
	}
	return count, errors.Join(errs...)
}
