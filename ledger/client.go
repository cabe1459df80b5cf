// Package ledger defines the external value-transfer collaborator contract.
// The marketplace core only records transfer results; signing, submission and
// consensus belong to the real ledger integration living outside this module.
package ledger

import "context"

// TransferRequest describes a single fund movement between two participants.
type TransferRequest struct {
	From     string
	To       string
	Amount   float64
	Currency string
	Memo     string
}

// TransferResult carries the external transaction reference reported by the
// ledger for a successful transfer.
type TransferResult struct {
	TxRef string
}

// Client executes value transfers on the external ledger. Implementations
// must be safe for retries by the caller; the core never retries on its own.
type Client interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}
