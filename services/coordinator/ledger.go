package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"dealescrow/ledger"
	"dealescrow/ledger/rpc"
)

// LedgerClient is the ledger boundary the coordinator consumes. Both the
// in-process ledger and the JSON-RPC client satisfy it.
type LedgerClient interface {
	Submit(ctx context.Context, tx *ledger.Transaction) (*ledger.Receipt, error)
	Account(ctx context.Context, addr [20]byte) (*ledger.AccountState, error)
	Sequence(ctx context.Context, addr [20]byte) (uint64, error)
	Transactions(ctx context.Context, addr [20]byte, limit int) ([]ledger.Receipt, error)
	Receipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
}

var (
	_ LedgerClient = (*ledger.Ledger)(nil)
	_ LedgerClient = (*rpc.Client)(nil)
)
