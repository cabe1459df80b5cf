// Package escrow manages the economic commitment records backing funded
// loans. Fund movement is delegated to the external ledger client; the engine
// only books the results and guarantees records are never left half-updated.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"microlend/ledger"
	"microlend/market"
	"microlend/storage"
)

var (
	errNilStore  = errors.New("escrow: store not configured")
	errNilLedger = errors.New("escrow: ledger client not configured")
)

// TxSink mirrors transaction records into an external audit log. Sink
// failures never fail the escrow operation; the sink owns its own reporting.
type TxSink interface {
	Record(tx *market.Transaction) error
}

// Engine creates, funds and releases escrow records against the entity store
// and the ledger collaborator.
type Engine struct {
	store  *storage.EntityStore
	client ledger.Client
	sink   TxSink
	logger *slog.Logger
	nowFn  func() time.Time
	idFn   func() string
}

// NewEngine wires the engine to its store and ledger client.
func NewEngine(store *storage.EntityStore, client ledger.Client) *Engine {
	return &Engine{
		store:  store,
		client: client,
		logger: slog.Default(),
		nowFn:  time.Now,
		idFn:   uuid.NewString,
	}
}

// SetSink configures an optional audit mirror for transaction records.
func (e *Engine) SetSink(sink TxSink) { e.sink = sink }

// SetLogger overrides the engine's structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		e.logger = slog.Default()
		return
	}
	e.logger = logger
}

// SetNowFunc overrides the wall clock. Primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetIDFunc overrides identifier generation for deterministic tests.
func (e *Engine) SetIDFunc(id func() string) {
	if id == nil {
		e.idFn = uuid.NewString
		return
	}
	e.idFn = id
}

// CreateAndFund creates an escrow record for the loan and immediately
// requests the lender-to-borrower transfer from the ledger. On ledger failure
// the freshly created record is unwound so no partial state survives; the
// error carries the external-service kind.
func (e *Engine) CreateAndFund(ctx context.Context, loanID, lenderID, borrowerID string, amount float64, currency string, releaseAfterDays int) (*market.EscrowRecord, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if e.client == nil {
		return nil, errNilLedger
	}
	if strings.TrimSpace(loanID) == "" {
		return nil, market.Validationf("loan id required")
	}
	if strings.TrimSpace(lenderID) == "" || strings.TrimSpace(borrowerID) == "" {
		return nil, market.Validationf("escrow requires lender and borrower")
	}
	if amount <= 0 {
		return nil, market.Validationf("escrow amount must be positive")
	}
	if releaseAfterDays <= 0 {
		return nil, market.Validationf("release period must be positive")
	}

	now := e.nowFn().UTC()
	releaseAt := now.AddDate(0, 0, releaseAfterDays)
	record := &market.EscrowRecord{
		ID:        e.idFn(),
		LoanID:    loanID,
		Lender:    lenderID,
		Borrower:  borrowerID,
		Amount:    amount,
		Currency:  currency,
		CreatedAt: now,
		Release: market.ReleaseCondition{
			Type:      market.ReleaseTimeBased,
			ReleaseAt: &releaseAt,
		},
		Status: market.EscrowCreated,
	}
	if err := e.store.Put(record); err != nil {
		return nil, err
	}

	tx := &market.Transaction{
		ID:        e.idFn(),
		Type:      market.TxEscrowCreate,
		From:      lenderID,
		To:        borrowerID,
		Amount:    amount,
		Currency:  currency,
		LoanID:    loanID,
		EscrowID:  record.ID,
		Timestamp: now,
		Status:    market.TxPending,
		Metadata:  market.TxMetadata{SchemaVersion: 1, Note: "escrow funding"},
	}
	if err := e.store.Put(tx); err != nil {
		return nil, err
	}

	result, err := e.client.Transfer(ctx, ledger.TransferRequest{
		From:     lenderID,
		To:       borrowerID,
		Amount:   amount,
		Currency: currency,
		Memo:     fmt.Sprintf("escrow funding for loan %s", loanID),
	})
	if err != nil {
		// Unwind: the escrow never became economically real.
		e.correctTxStatus(tx, market.TxFailed, "")
		if delErr := e.store.Delete(market.KindEscrow, record.ID); delErr != nil && !errors.Is(delErr, market.ErrNotFound) {
			return nil, delErr
		}
		return nil, market.External("escrow funding transfer failed", err)
	}

	funded := &market.EscrowRecord{}
	err = e.store.Update(market.KindEscrow, record.ID, funded, func() error {
		if funded.Status != market.EscrowCreated {
			return market.Conflictf("escrow %s is %s, expected created", record.ID, funded.Status)
		}
		funded.Status = market.EscrowFunded
		funded.FundingTxRef = result.TxRef
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.correctTxStatus(tx, market.TxConfirmed, result.TxRef)
	return funded, nil
}

// Release settles a funded escrow: the borrower returns principal plus
// interest to the lender via the ledger, then the record moves to released.
// On ledger failure the record stays funded.
func (e *Engine) Release(ctx context.Context, escrowID string, settlementAmount float64) (*market.EscrowRecord, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if e.client == nil {
		return nil, errNilLedger
	}
	if settlementAmount <= 0 {
		return nil, market.Validationf("settlement amount must be positive")
	}

	record := &market.EscrowRecord{}
	if err := e.store.Get(market.KindEscrow, escrowID, record); err != nil {
		return nil, err
	}
	if record.Status != market.EscrowFunded {
		return nil, market.Conflictf("escrow %s is %s, expected funded", escrowID, record.Status)
	}

	result, err := e.client.Transfer(ctx, ledger.TransferRequest{
		From:     record.Borrower,
		To:       record.Lender,
		Amount:   settlementAmount,
		Currency: record.Currency,
		Memo:     fmt.Sprintf("escrow settlement for loan %s", record.LoanID),
	})
	if err != nil {
		return nil, market.External("escrow settlement transfer failed", err)
	}

	released := &market.EscrowRecord{}
	err = e.store.Update(market.KindEscrow, escrowID, released, func() error {
		if released.Status != market.EscrowFunded {
			return market.Conflictf("escrow %s is %s, expected funded", escrowID, released.Status)
		}
		released.Status = market.EscrowReleased
		released.ReleaseTxRef = result.TxRef
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.record(&market.Transaction{
		ID:          e.idFn(),
		Type:        market.TxEscrowRelease,
		From:        record.Borrower,
		To:          record.Lender,
		Amount:      settlementAmount,
		Currency:    record.Currency,
		ExternalRef: result.TxRef,
		LoanID:      record.LoanID,
		EscrowID:    record.ID,
		Timestamp:   e.nowFn().UTC(),
		Status:      market.TxConfirmed,
		Metadata:    market.TxMetadata{SchemaVersion: 1, Note: "escrow settlement", SettlementAmount: settlementAmount},
	})
	return released, nil
}

// Cancel moves a created or funded escrow to cancelled. Terminal statuses
// never regress, so releasing or re-cancelling fails with a conflict.
func (e *Engine) Cancel(escrowID string) (*market.EscrowRecord, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	record := &market.EscrowRecord{}
	err := e.store.Update(market.KindEscrow, escrowID, record, func() error {
		if record.Status.Terminal() {
			return market.Conflictf("escrow %s is %s, already terminal", escrowID, record.Status)
		}
		record.Status = market.EscrowCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ForUser returns every escrow where the user is lender or borrower.
func (e *Engine) ForUser(userID string) ([]*market.EscrowRecord, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	seen := make(map[string]struct{})
	var out []*market.EscrowRecord
	for _, index := range []string{"lender", "borrower"} {
		raws, err := e.store.GetBy(market.KindEscrow, index, userID)
		if err != nil {
			return nil, err
		}
		for _, raw := range raws {
			record := &market.EscrowRecord{}
			if err := unmarshal(raw, record); err != nil {
				return nil, err
			}
			if _, ok := seen[record.ID]; ok {
				continue
			}
			seen[record.ID] = struct{}{}
			out = append(out, record)
		}
	}
	return out, nil
}

func unmarshal(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

func (e *Engine) record(tx *market.Transaction) {
	if err := e.store.Put(tx); err != nil {
		e.logger.Error("transaction record failed",
			"type", string(tx.Type),
			"escrow", tx.EscrowID,
			"error", err,
		)
		return
	}
	if e.sink != nil {
		if err := e.sink.Record(tx); err != nil {
			e.logger.Warn("audit mirror failed",
				"type", string(tx.Type),
				"tx", tx.ID,
				"error", err,
			)
		}
	}
}

func (e *Engine) correctTxStatus(tx *market.Transaction, status market.TxStatus, externalRef string) {
	updated := &market.Transaction{}
	err := e.store.Update(market.KindTx, tx.ID, updated, func() error {
		updated.Status = status
		if externalRef != "" {
			updated.ExternalRef = externalRef
		}
		return nil
	})
	if err != nil {
		e.logger.Error("transaction status correction failed",
			"tx", tx.ID,
			"status", string(status),
			"error", err,
		)
	}
	if e.sink != nil {
		tx.Status = status
		if externalRef != "" {
			tx.ExternalRef = externalRef
		}
		if err := e.sink.Record(tx); err != nil {
			e.logger.Warn("audit mirror failed",
				"type", string(tx.Type),
				"tx", tx.ID,
				"error", err,
			)
		}
	}
}
