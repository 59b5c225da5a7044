// Package memory provides a volatile rollback.Log.
//
// Nothing survives a restart, so dead-transaction recovery is a no-op with
// this backend. Use it for tests and for deployments that accept losing
// in-flight rollback information on crash.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dropboxd/pkg/rollback"
)

type stack struct {
	info    rollback.Info
	entries map[uint64]rollback.Command
}

// Log is an in-memory rollback.Log. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	stacks map[string]*stack
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{stacks: make(map[string]*stack)}
}

func (l *Log) Create(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.stacks[id]; ok {
		return fmt.Errorf("%s: %w", id, rollback.ErrStackExists)
	}
	l.stacks[id] = &stack{
		info:    rollback.Info{ID: id, CreatedAt: time.Now()},
		entries: make(map[uint64]rollback.Command),
	}
	return nil
}

func (l *Log) Append(ctx context.Context, id string, cmd rollback.Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.get(id)
	if err != nil {
		return 0, err
	}
	seq := s.info.NextSeq
	s.info.NextSeq++
	s.entries[seq] = cmd
	return seq, nil
}

func (l *Log) Remove(_ context.Context, id string, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.get(id)
	if err != nil {
		return err
	}
	delete(s.entries, seq)
	return nil
}

func (l *Log) Entries(_ context.Context, id string) ([]rollback.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]rollback.Entry, 0, len(s.entries))
	for seq, cmd := range s.entries {
		out = append(out, rollback.Entry{Seq: seq, Command: cmd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (l *Log) SetLocked(_ context.Context, id string, locked bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.get(id)
	if err != nil {
		return err
	}
	s.info.Locked = locked
	return nil
}

func (l *Log) Delete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.stacks, id)
	return nil
}

func (l *Log) Info(_ context.Context, id string) (rollback.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.get(id)
	if err != nil {
		return rollback.Info{}, err
	}
	return s.info, nil
}

func (l *Log) List(_ context.Context) ([]rollback.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]rollback.Info, 0, len(l.stacks))
	for _, s := range l.stacks {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *Log) Close() error {
	return nil
}

func (l *Log) get(id string) (*stack, error) {
	s, ok := l.stacks[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, rollback.ErrStackNotFound)
	}
	return s, nil
}

var _ rollback.Log = (*Log)(nil)
