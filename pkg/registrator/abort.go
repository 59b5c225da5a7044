package registrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

// KindAbortTransaction is pushed once per prepared data set. Undoing it rolls
// the data set's storage processor transaction back.
const KindAbortTransaction rollback.Kind = "abort-transaction"

// AbortTransaction returns the command that rolls back the storage processor
// transaction of one data set. The command carries everything needed to
// rebuild the transaction, so a fresh process can undo it.
//
// Parameters:
//   - dropbox: Name of the dropbox whose storage processor owns the transaction
//   - params: The parameters the transaction was created with
//   - storedDir: Directory the transaction stores its data in
//
// Returns:
//   - rollback.Command: Command of kind KindAbortTransaction
func AbortTransaction(dropbox string, params TransactionParams, storedDir string) rollback.Command {
	return rollback.Command{Kind: KindAbortTransaction, Args: map[string]string{
		"dropbox":    dropbox,
		"code":       params.DataSetCode,
		"staging":    params.StagingDir,
		"store_root": params.StoreRoot,
		"stored":     storedDir,
	}}
}

// AbortTransactionHandler undoes abort-transaction commands of stacks that
// outlived their process. It resumes the transaction on the storage processor
// of the dropbox named in the command and rolls it back.
//
// Thread Safety: Safe for concurrent use.
type AbortTransactionHandler struct {
	mu         sync.RWMutex
	processors map[string]StorageProcessor
}

// NewAbortTransactionHandler creates a handler without processors. Call Add
// for every dropbox before sweeping dead stacks.
func NewAbortTransactionHandler() *AbortTransactionHandler {
	return &AbortTransactionHandler{processors: make(map[string]StorageProcessor)}
}

// Add makes the storage processor of dropbox available to the handler.
func (h *AbortTransactionHandler) Add(dropbox string, p StorageProcessor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processors[dropbox] = p
}

// Execute is a no-op; the command only exists to be undone.
func (h *AbortTransactionHandler) Execute(context.Context, rollback.Command) error {
	return nil
}

// Undo rolls the recorded transaction back.
//
// Returns:
//   - error: If no processor is known for the dropbox of the command, or the
//     processor fails to resume or roll back the transaction
func (h *AbortTransactionHandler) Undo(ctx context.Context, cmd rollback.Command) error {
	name, code := cmd.Args["dropbox"], cmd.Args["code"]

	h.mu.RLock()
	p, ok := h.processors[name]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no storage processor for dropbox %q, cannot abort data set %s", name, code)
	}

	params := TransactionParams{
		StagingDir:  cmd.Args["staging"],
		StoreRoot:   cmd.Args["store_root"],
		DataSetCode: code,
	}
	tx, err := p.ResumeTransaction(params, cmd.Args["stored"])
	if err != nil {
		return fmt.Errorf("failed to resume storage processor transaction for %s: %w", code, err)
	}

	logger.Info("[%s] Aborting storage of data set %s left by a dead transaction", name, code)
	if err := tx.Rollback(ctx, errTransactionAborted); err != nil {
		return fmt.Errorf("storage processor rollback of %s failed: %w", code, err)
	}
	return nil
}

var _ rollback.Handler = (*AbortTransactionHandler)(nil)
