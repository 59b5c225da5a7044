package rollback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/marmos91/dropboxd/internal/logger"
)

// Kind identifies how a command is executed and undone.
type Kind string

// Built-in filesystem command kinds. Every stack knows how to handle these,
// including stacks reopened by a fresh process.
const (
	KindMkdir   Kind = "mkdir"
	KindMove    Kind = "move"
	KindNewFile Kind = "new-file"
)

// Command is one serializable, undoable step.
type Command struct {
	Kind Kind              `json:"kind"`
	Args map[string]string `json:"args,omitempty"`
}

func (c Command) String() string {
	switch c.Kind {
	case KindMove:
		return fmt.Sprintf("%s %s -> %s", c.Kind, c.Args["src"], c.Args["dst"])
	case KindMkdir, KindNewFile:
		return fmt.Sprintf("%s %s", c.Kind, c.Args["path"])
	default:
		return fmt.Sprintf("%s %v", c.Kind, c.Args)
	}
}

// Handler executes and undoes commands of one kind.
//
// Execute must be atomic: if it returns an error, the command had no effect.
// Undo must tolerate commands that were persisted but never executed.
type Handler interface {
	Execute(ctx context.Context, cmd Command) error
	Undo(ctx context.Context, cmd Command) error
}

// HandlerFuncs adapts two functions to a Handler. A nil Execute is a no-op.
type HandlerFuncs struct {
	ExecuteFunc func(ctx context.Context, cmd Command) error
	UndoFunc    func(ctx context.Context, cmd Command) error
}

func (h HandlerFuncs) Execute(ctx context.Context, cmd Command) error {
	if h.ExecuteFunc == nil {
		return nil
	}
	return h.ExecuteFunc(ctx, cmd)
}

func (h HandlerFuncs) Undo(ctx context.Context, cmd Command) error {
	if h.UndoFunc == nil {
		return nil
	}
	return h.UndoFunc(ctx, cmd)
}

// Mkdir returns a command creating a single directory level.
func Mkdir(path string) Command {
	return Command{Kind: KindMkdir, Args: map[string]string{"path": path}}
}

// Move returns a command renaming src to dst.
func Move(src, dst string) Command {
	return Command{Kind: KindMove, Args: map[string]string{"src": src, "dst": dst}}
}

// NewFile returns a command creating a file that must not exist yet. The file
// holds owner, and undo only removes a file that still holds it.
func NewFile(path, owner string) Command {
	return Command{Kind: KindNewFile, Args: map[string]string{"path": path, "owner": owner}}
}

type mkdirHandler struct{}

func (mkdirHandler) Execute(_ context.Context, cmd Command) error {
	path := cmd.Args["path"]
	if err := os.Mkdir(path, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
				return nil
			}
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return err
	}
	return nil
}

// Undo removes the directory only when it is empty. A non-empty directory
// still holds data that does not belong to this command.
func (mkdirHandler) Undo(_ context.Context, cmd Command) error {
	path := cmd.Args["path"]
	err := os.Remove(path)
	switch {
	case err == nil, errors.Is(err, fs.ErrNotExist):
		return nil
	case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, syscall.EEXIST):
		logger.Warn("Rollback: directory %s is not empty, leaving it in place", path)
		return nil
	default:
		return err
	}
}

type moveHandler struct{}

func (moveHandler) Execute(_ context.Context, cmd Command) error {
	src, dst := cmd.Args["src"], cmd.Args["dst"]
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("cannot move %s: destination %s already exists", src, dst)
	}
	return os.Rename(src, dst)
}

func (moveHandler) Undo(_ context.Context, cmd Command) error {
	src, dst := cmd.Args["src"], cmd.Args["dst"]
	if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := os.Lstat(src); err == nil {
		return fmt.Errorf("cannot move %s back: %s already exists", dst, src)
	}
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		return err
	}
	return os.Rename(dst, src)
}

type newFileHandler struct{}

func (newFileHandler) Execute(_ context.Context, cmd Command) error {
	path := cmd.Args["path"]
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(cmd.Args["owner"]); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// Undo removes the file only while it holds the owner of the command. A file
// of another owner was created by someone else, typically because the
// command was persisted but its exclusive create never ran or failed.
func (newFileHandler) Undo(_ context.Context, cmd Command) error {
	path := cmd.Args["path"]
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(data) != cmd.Args["owner"] {
		logger.Warn("Rollback: %s belongs to %q, leaving it in place", path, string(data))
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func builtinHandlers() map[Kind]Handler {
	return map[Kind]Handler{
		KindMkdir:   mkdirHandler{},
		KindMove:    moveHandler{},
		KindNewFile: newFileHandler{},
	}
}
