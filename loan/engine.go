// Package loan implements the lifecycle controller for marketplace loan
// requests: PENDING -> FUNDED -> {REPAID, DEFAULTED}, plus PENDING ->
// CANCELLED. Every transition re-checks the stored status under a per-loan
// guard before writing, so a lost-update race surfaces as a state conflict
// instead of a double transition.
package loan

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"microlend/escrow"
	"microlend/market"
	"microlend/observability/logging"
	"microlend/reputation"
	"microlend/storage"
)

var (
	errNilStore  = errors.New("loan: store not configured")
	errNilEscrow = errors.New("loan: escrow engine not configured")
)

// TxSink mirrors transaction records into an external audit log. Sink
// failures never fail the lifecycle operation.
type TxSink interface {
	Record(tx *market.Transaction) error
}

// Engine orchestrates loan state transitions across the entity store, the
// escrow simulator and the reputation engine.
type Engine struct {
	store       *storage.EntityStore
	escrows     *escrow.Engine
	reputations *reputation.Engine
	sink        TxSink
	guard       *transitionGuard
	logger      *slog.Logger
	jitterFn    func() float64
	nowFn       func() time.Time
	idFn        func() string
}

// NewEngine wires the lifecycle controller to its collaborators. All ledger
// traffic flows through the escrow engine, so the controller itself never
// talks to the ledger client directly.
func NewEngine(store *storage.EntityStore, escrows *escrow.Engine, reputations *reputation.Engine) *Engine {
	return &Engine{
		store:       store,
		escrows:     escrows,
		reputations: reputations,
		guard:       newTransitionGuard(),
		logger:      slog.Default(),
		jitterFn:    func() float64 { return 0 },
		nowFn:       time.Now,
		idFn:        uuid.NewString,
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

// SetJitterFunc overrides the risk-score noise source. The default is zero,
// keeping pricing fully deterministic; callers wanting the simulated jitter
// inject their own entropy here.
func (e *Engine) SetJitterFunc(jitter func() float64) {
	if jitter == nil {
		e.jitterFn = func() float64 { return 0 }
		return
	}
	e.jitterFn = jitter
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

// CreateRequest carries the borrower command for a new loan request.
type CreateRequest struct {
	Borrower            string
	Amount              float64
	Currency            string
	Purpose             string
	Tags                []string
	RepaymentPeriodDays int
	// TrustScoreHint prices the loan when positive; otherwise the borrower's
	// stored reputation (or the platform default) is used.
	TrustScoreHint int
}

// Create validates the request, prices it from the borrower's trust score and
// persists a new PENDING loan.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*market.LoanRequest, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	borrower := strings.TrimSpace(req.Borrower)
	if err := market.ValidateLoanInput(borrower, req.Amount, req.Purpose, req.RepaymentPeriodDays); err != nil {
		return nil, err
	}

	user := &market.User{}
	if err := e.store.Get(market.KindUser, borrower, user); err != nil {
		return nil, err
	}

	trust := req.TrustScoreHint
	if trust <= 0 {
		trust = market.DefaultTrustScore
		if user.DID != "" && e.reputations != nil {
			if score, err := e.reputations.Score(user.DID); err == nil {
				trust = score.TrustScore
			} else if !errors.Is(err, market.ErrNotFound) {
				return nil, err
			}
		}
	}

	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = market.DefaultCurrency
	}

	now := e.nowFn().UTC()
	record := &market.LoanRequest{
		ID:                  e.idFn(),
		Borrower:            borrower,
		BorrowerDID:         user.DID,
		BorrowerPseudonym:   user.Pseudonym,
		Amount:              req.Amount,
		Currency:            currency,
		Purpose:             strings.TrimSpace(req.Purpose),
		Tags:                market.NormalizeTags(req.Tags),
		Status:              market.LoanPending,
		CreatedAt:           now,
		InterestRate:        reputation.InterestRateFor(trust),
		RepaymentPeriodDays: req.RepaymentPeriodDays,
		RiskScore:           reputation.RiskScoreFor(trust, e.jitterFn()),
	}
	if err := e.store.Put(record); err != nil {
		return nil, err
	}

	e.record(&market.Transaction{
		ID:        e.idFn(),
		Type:      market.TxLoanRequest,
		From:      borrower,
		To:        "marketplace",
		Amount:    req.Amount,
		Currency:  currency,
		LoanID:    record.ID,
		Timestamp: now,
		Status:    market.TxConfirmed,
		Metadata:  market.TxMetadata{SchemaVersion: 1, Note: "loan request posted", InterestRate: record.InterestRate},
	})
	return record.Clone(), nil
}

// Fund moves a PENDING loan to FUNDED: an escrow record is created and funded
// via the ledger, a loan_funded transaction is booked, and the lender's
// balance is decremented. On any escrow or ledger failure the loan stays
// PENDING and no balance changes.
func (e *Engine) Fund(ctx context.Context, loanID, lenderID string, amount float64) (*market.LoanRequest, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if e.escrows == nil {
		return nil, errNilEscrow
	}
	lenderID = strings.TrimSpace(lenderID)
	if lenderID == "" {
		return nil, market.Validationf("lender address required")
	}

	release := e.guard.acquire(loanID)
	defer release()

	record := &market.LoanRequest{}
	if err := e.store.Get(market.KindLoan, loanID, record); err != nil {
		return nil, err
	}
	if record.Status != market.LoanPending {
		return nil, market.Conflictf("loan %s is %s, expected PENDING", loanID, record.Status)
	}
	if amount != record.Amount {
		return nil, market.Conflictf("funding amount %.2f does not match requested %.2f", amount, record.Amount)
	}
	if lenderID == record.Borrower {
		return nil, market.Validationf("borrower cannot fund own loan")
	}

	lender := &market.User{}
	if err := e.store.Get(market.KindUser, lenderID, lender); err != nil {
		return nil, err
	}
	if lender.Balance < amount {
		return nil, market.Validationf("lender balance %.2f below funding amount %.2f", lender.Balance, amount)
	}

	escrowRecord, err := e.escrows.CreateAndFund(ctx, loanID, lenderID, record.Borrower, amount, record.Currency, record.RepaymentPeriodDays)
	if err != nil {
		return nil, err
	}

	now := e.nowFn().UTC()
	e.record(&market.Transaction{
		ID:          e.idFn(),
		Type:        market.TxLoanFunded,
		From:        lenderID,
		To:          record.Borrower,
		Amount:      amount,
		Currency:    record.Currency,
		ExternalRef: escrowRecord.FundingTxRef,
		LoanID:      loanID,
		EscrowID:    escrowRecord.ID,
		Timestamp:   now,
		Status:      market.TxConfirmed,
		Metadata:    market.TxMetadata{SchemaVersion: 1, Note: "loan funded"},
	})

	funded := &market.LoanRequest{}
	err = e.store.Update(market.KindLoan, loanID, funded, func() error {
		if funded.Status != market.LoanPending {
			return market.Conflictf("loan %s is %s, expected PENDING", loanID, funded.Status)
		}
		fundedAt := now
		funded.Status = market.LoanFunded
		funded.FundedAt = &fundedAt
		funded.Lender = lenderID
		funded.EscrowID = escrowRecord.ID
		funded.FundingTxRef = escrowRecord.FundingTxRef
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.adjustBalance(lenderID, -amount); err != nil {
		return nil, err
	}
	if err := e.adjustBalance(record.Borrower, amount); err != nil {
		return nil, err
	}
	return funded, nil
}

// Repay settles a FUNDED loan: principal plus interest moves back through the
// escrow release, the loan becomes REPAID and the borrower's reputation is
// credited with a successful outcome. On ledger failure the loan stays FUNDED.
func (e *Engine) Repay(ctx context.Context, loanID, borrowerID string) (*market.LoanRequest, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if e.escrows == nil {
		return nil, errNilEscrow
	}

	release := e.guard.acquire(loanID)
	defer release()

	record := &market.LoanRequest{}
	if err := e.store.Get(market.KindLoan, loanID, record); err != nil {
		return nil, err
	}
	if record.Status != market.LoanFunded {
		return nil, market.Conflictf("loan %s is %s, expected FUNDED", loanID, record.Status)
	}
	if strings.TrimSpace(borrowerID) != record.Borrower {
		return nil, market.Conflictf("only the borrower may repay loan %s", loanID)
	}

	totalDue := SettlementAmount(record.Amount, record.InterestRate)
	released, err := e.escrows.Release(ctx, record.EscrowID, totalDue)
	if err != nil {
		return nil, err
	}

	now := e.nowFn().UTC()
	e.record(&market.Transaction{
		ID:          e.idFn(),
		Type:        market.TxRepayment,
		From:        record.Borrower,
		To:          record.Lender,
		Amount:      totalDue,
		Currency:    record.Currency,
		ExternalRef: released.ReleaseTxRef,
		LoanID:      loanID,
		EscrowID:    record.EscrowID,
		Timestamp:   now,
		Status:      market.TxConfirmed,
		Metadata: market.TxMetadata{
			SchemaVersion:    1,
			Note:             "loan repaid",
			InterestRate:     record.InterestRate,
			SettlementAmount: totalDue,
		},
	})

	repaid := &market.LoanRequest{}
	err = e.store.Update(market.KindLoan, loanID, repaid, func() error {
		if repaid.Status != market.LoanFunded {
			return market.Conflictf("loan %s is %s, expected FUNDED", loanID, repaid.Status)
		}
		repaidAt := now
		repaid.Status = market.LoanRepaid
		repaid.RepaidAt = &repaidAt
		repaid.SettlementTxRef = released.ReleaseTxRef
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.adjustBalance(record.Borrower, -totalDue); err != nil {
		return nil, err
	}
	if err := e.adjustBalance(record.Lender, totalDue); err != nil {
		return nil, err
	}

	e.reportOutcome(repaid, true, now)
	return repaid, nil
}

// MarkDefaulted is the administrative path for loans whose repayment period
// expired without settlement. The escrow is closed out and the borrower's
// reputation records a failed outcome.
func (e *Engine) MarkDefaulted(loanID string) (*market.LoanRequest, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}

	release := e.guard.acquire(loanID)
	defer release()

	now := e.nowFn().UTC()
	record := &market.LoanRequest{}
	err := e.store.Update(market.KindLoan, loanID, record, func() error {
		if record.Status != market.LoanFunded {
			return market.Conflictf("loan %s is %s, expected FUNDED", loanID, record.Status)
		}
		record.Status = market.LoanDefaulted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if record.EscrowID != "" && e.escrows != nil {
		// The commitment is unwound; the escrow never releases.
		if _, err := e.escrows.Cancel(record.EscrowID); err != nil && !errors.Is(err, market.ErrStateConflict) {
			return nil, err
		}
	}

	e.reportOutcome(record, false, now)
	return record, nil
}

// Cancel retires a PENDING loan at the borrower's request. Cancelled loans
// are retained with status CANCELLED, never deleted.
func (e *Engine) Cancel(loanID, requesterID string) (*market.LoanRequest, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}

	release := e.guard.acquire(loanID)
	defer release()

	record := &market.LoanRequest{}
	err := e.store.Update(market.KindLoan, loanID, record, func() error {
		if record.Status != market.LoanPending {
			return market.Conflictf("loan %s is %s, expected PENDING", loanID, record.Status)
		}
		if strings.TrimSpace(requesterID) != record.Borrower {
			return market.Conflictf("only the borrower may cancel loan %s", loanID)
		}
		record.Status = market.LoanCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ExpireOverdue sweeps FUNDED loans whose repayment window has elapsed and
// marks each as defaulted. It returns the number of loans transitioned.
func (e *Engine) ExpireOverdue(now time.Time) (int, error) {
	if e == nil || e.store == nil {
		return 0, errNilStore
	}
	raws, err := e.store.GetBy(market.KindLoan, "status", string(market.LoanFunded))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, raw := range raws {
		record := &market.LoanRequest{}
		if err := json.Unmarshal(raw, record); err != nil {
			return expired, err
		}
		if record.FundedAt == nil {
			continue
		}
		due := record.FundedAt.AddDate(0, 0, record.RepaymentPeriodDays)
		if now.Before(due) {
			continue
		}
		if _, err := e.MarkDefaulted(record.ID); err != nil {
			if errors.Is(err, market.ErrStateConflict) {
				// Repaid or defaulted concurrently.
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Get returns the loan stored under id.
func (e *Engine) Get(loanID string) (*market.LoanRequest, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	record := &market.LoanRequest{}
	if err := e.store.Get(market.KindLoan, loanID, record); err != nil {
		return nil, err
	}
	return record, nil
}

// SettlementAmount computes principal plus interest, rounded to cents.
func SettlementAmount(principal, interestRate float64) float64 {
	return math.Round(principal*(1+interestRate/100)*100) / 100
}

func (e *Engine) adjustBalance(address string, delta float64) error {
	user := &market.User{}
	return e.store.Update(market.KindUser, address, user, func() error {
		user.Balance += delta
		return nil
	})
}

// reportOutcome runs after the loan transition has already committed, so a
// reputation write failure cannot unwind it. The failure is logged loudly
// instead: the loan stays terminal while the score falls behind until the
// next outcome for the same borrower.
func (e *Engine) reportOutcome(record *market.LoanRequest, successful bool, now time.Time) {
	if e.reputations == nil || record.BorrowerDID == "" {
		return
	}
	days := 0.0
	if successful && record.FundedAt != nil {
		days = now.Sub(*record.FundedAt).Hours() / 24
	}
	category := record.Purpose
	if len(record.Tags) > 0 {
		category = record.Tags[0]
	}
	_, err := e.reputations.RecordOutcome(reputation.Outcome{
		DID:           record.BorrowerDID,
		Pseudonym:     record.BorrowerPseudonym,
		Category:      category,
		Successful:    successful,
		RepaymentDays: days,
	})
	if err != nil {
		e.logger.Error("reputation update failed",
			logging.MaskedField("did", record.BorrowerDID),
			"loan", record.ID,
			"successful", successful,
			"error", err,
		)
	}
}

func (e *Engine) record(tx *market.Transaction) {
	if err := e.store.Put(tx); err != nil {
		e.logger.Error("transaction record failed",
			"type", string(tx.Type),
			"loan", tx.LoanID,
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
