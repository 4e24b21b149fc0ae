package coordinator

import (
	"context"
	"errors"
	"net"

	"dealescrow/crypto"
	"dealescrow/ledger"
	"dealescrow/ledger/rpc"
)

var (
	// ErrNotFound is returned for unknown deals.
	ErrNotFound = errors.New("coordinator: deal not found")
	// ErrConflict is returned when a business id is reused with different terms.
	ErrConflict = errors.New("coordinator: deal exists with different terms")
	// ErrInvalidParams flags malformed CreateEscrow input.
	ErrInvalidParams = errors.New("coordinator: invalid parameters")
	// ErrFundingTimeout is returned when funding is not observed in time.
	ErrFundingTimeout = errors.New("coordinator: funding confirmation timed out")
	// ErrDispatcherStopped is returned when the dispatcher is not running.
	ErrDispatcherStopped = errors.New("coordinator: dispatcher stopped")
	// ErrQueueFull is returned when the dispatch queue cannot accept work.
	ErrQueueFull = errors.New("coordinator: dispatch queue full")
)

// IsRetryable reports whether err is a transient boundary failure worth
// retrying with backoff. Key derivation failures and contract rejections are
// never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, crypto.ErrKeyDerivation) || errors.Is(err, crypto.ErrEmptyMasterSecret) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, rpc.ErrUnavailable) || errors.Is(err, ledger.ErrSequenceMismatch) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
