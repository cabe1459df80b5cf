package loan

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"microlend/escrow"
	"microlend/ledger"
	"microlend/market"
	"microlend/reputation"
	"microlend/storage"
)

var testNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	engine      *Engine
	store       *storage.EntityStore
	sim         *ledger.Simulator
	reputations *reputation.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewEntityStore(storage.NewMemDB())
	sim := ledger.NewSimulator()
	escrows := escrow.NewEngine(store, sim)
	escrows.SetNowFunc(func() time.Time { return testNow })
	reputations := reputation.NewEngine(store)
	reputations.SetNowFunc(func() time.Time { return testNow })
	engine := NewEngine(store, escrows, reputations)
	engine.SetNowFunc(func() time.Time { return testNow })

	users := []*market.User{
		{Address: "rAlice", DisplayName: "Alice", Role: market.RoleBorrower, Balance: 100, DID: "did:micro:alice", Pseudonym: "quiet-heron"},
		{Address: "rCarol", DisplayName: "Carol", Role: market.RoleLender, Balance: 50_000},
		{Address: "rDinesh", DisplayName: "Dinesh", Role: market.RoleLender, Balance: 50_000},
	}
	for _, user := range users {
		if err := store.Put(user); err != nil {
			t.Fatalf("seed user %s: %v", user.Address, err)
		}
	}
	return &harness{engine: engine, store: store, sim: sim, reputations: reputations}
}

func (h *harness) createLoan(t *testing.T, amount float64) *market.LoanRequest {
	t.Helper()
	record, err := h.engine.Create(context.Background(), CreateRequest{
		Borrower:            "rAlice",
		Amount:              amount,
		Purpose:             "inventory restock",
		Tags:                []string{"Business"},
		RepaymentPeriodDays: 30,
		TrustScoreHint:      50,
	})
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	return record
}

func (h *harness) balance(t *testing.T, address string) float64 {
	t.Helper()
	user := &market.User{}
	if err := h.store.Get(market.KindUser, address, user); err != nil {
		t.Fatalf("get user %s: %v", address, err)
	}
	return user.Balance
}

func TestCreateLoanPricing(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)

	if record.Status != market.LoanPending {
		t.Fatalf("expected PENDING, got %s", record.Status)
	}
	// trustScore 50 => 12.0 - 0.5*4.0 = 10.0
	if record.InterestRate != 10.0 {
		t.Fatalf("expected rate 10.0, got %v", record.InterestRate)
	}
	if record.RiskScore != 50 {
		t.Fatalf("expected risk 50, got %d", record.RiskScore)
	}
	if record.BorrowerDID != "did:micro:alice" || record.BorrowerPseudonym != "quiet-heron" {
		t.Fatalf("identity fields not copied: %+v", record)
	}
	if len(record.Tags) != 1 || record.Tags[0] != "business" {
		t.Fatalf("tags not normalised: %v", record.Tags)
	}

	// A loan_request audit entry is booked at creation.
	raws, err := h.store.GetBy(market.KindTx, "loan", record.ID)
	if err != nil {
		t.Fatalf("tx lookup: %v", err)
	}
	if len(raws) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(raws))
	}
}

func TestCreateLoanValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Create(context.Background(), CreateRequest{
		Borrower:            "rAlice",
		Amount:              9,
		Purpose:             "too small",
		RepaymentPeriodDays: 30,
	})
	if !errors.Is(err, market.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = h.engine.Create(context.Background(), CreateRequest{
		Borrower:            "rAlice",
		Amount:              500,
		Purpose:             "bad period",
		RepaymentPeriodDays: 13,
	})
	if !errors.Is(err, market.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = h.engine.Create(context.Background(), CreateRequest{
		Borrower:            "rNobody",
		Amount:              500,
		Purpose:             "ghost borrower",
		RepaymentPeriodDays: 30,
	})
	if !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestFundLoan(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)

	funded, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != market.LoanFunded {
		t.Fatalf("expected FUNDED, got %s", funded.Status)
	}
	if funded.FundedAt == nil || !funded.FundedAt.Equal(testNow) {
		t.Fatalf("fundedAt wrong: %v", funded.FundedAt)
	}
	if funded.Lender != "rCarol" || funded.EscrowID == "" || funded.FundingTxRef == "" {
		t.Fatalf("funding references missing: %+v", funded)
	}

	if got := h.balance(t, "rCarol"); got != 49_000 {
		t.Fatalf("lender balance: got %v", got)
	}
	if got := h.balance(t, "rAlice"); got != 1100 {
		t.Fatalf("borrower balance: got %v", got)
	}

	escrowRecord := &market.EscrowRecord{}
	if err := h.store.Get(market.KindEscrow, funded.EscrowID, escrowRecord); err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if escrowRecord.Status != market.EscrowFunded || escrowRecord.LoanID != record.ID {
		t.Fatalf("escrow wrong: %+v", escrowRecord)
	}
}

func TestFundLoanAmountMismatch(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)

	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 999); !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("expected conflict on partial funding, got %v", err)
	}
}

func TestFundLoanNonPending(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)

	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000); err != nil {
		t.Fatalf("first fund: %v", err)
	}
	if _, err := h.engine.Fund(context.Background(), record.ID, "rDinesh", 1000); !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("expected conflict on second funding, got %v", err)
	}
	// The loser changed nothing.
	if got := h.balance(t, "rDinesh"); got != 50_000 {
		t.Fatalf("loser balance mutated: %v", got)
	}
}

func TestFundLoanLedgerFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	h.sim.FailNext(ledger.ErrTransferRejected)

	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000); !errors.Is(err, market.ErrExternalService) {
		t.Fatalf("expected external-service error, got %v", err)
	}

	current, err := h.engine.Get(record.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if current.Status != market.LoanPending {
		t.Fatalf("loan left PENDING state: %s", current.Status)
	}
	if got := h.balance(t, "rCarol"); got != 50_000 {
		t.Fatalf("balance mutated on failed funding: %v", got)
	}
	raws, err := h.store.GetBy(market.KindEscrow, "loan", record.ID)
	if err != nil {
		t.Fatalf("escrow lookup: %v", err)
	}
	if len(raws) != 0 {
		t.Fatalf("orphan escrow after failed funding: %d", len(raws))
	}
}

func TestFundLoanInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 25_000)

	poor := &market.User{Address: "rPoor", Role: market.RoleLender, Balance: 10}
	if err := h.store.Put(poor); err != nil {
		t.Fatalf("seed poor lender: %v", err)
	}
	if _, err := h.engine.Fund(context.Background(), record.ID, "rPoor", 25_000); !errors.Is(err, market.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFundOwnLoanRejected(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Fund(context.Background(), record.ID, "rAlice", 1000); !errors.Is(err, market.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSettlementAmount(t *testing.T) {
	if got := SettlementAmount(1000, 8.5); got != 1085.00 {
		t.Fatalf("SettlementAmount(1000, 8.5) = %v, want 1085.00", got)
	}
	if got := SettlementAmount(1000, 10.0); got != 1100.00 {
		t.Fatalf("SettlementAmount(1000, 10.0) = %v, want 1100.00", got)
	}
}

func TestRepayLoan(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000); err != nil {
		t.Fatalf("fund: %v", err)
	}

	repaid, err := h.engine.Repay(context.Background(), record.ID, "rAlice")
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Status != market.LoanRepaid {
		t.Fatalf("expected REPAID, got %s", repaid.Status)
	}
	if repaid.RepaidAt == nil || repaid.SettlementTxRef == "" {
		t.Fatalf("settlement references missing: %+v", repaid)
	}

	// 1000 at 10.0% => 1100 settled back to the lender.
	if got := h.balance(t, "rCarol"); got != 50_100 {
		t.Fatalf("lender balance: got %v", got)
	}
	if got := h.balance(t, "rAlice"); got != 0 {
		t.Fatalf("borrower balance: got %v", got)
	}

	score, err := h.reputations.Score("did:micro:alice")
	if err != nil {
		t.Fatalf("reputation score: %v", err)
	}
	if score.TotalLoans != 1 || score.SuccessfulRepayments != 1 {
		t.Fatalf("reputation not credited: %+v", score)
	}
	if score.TrustScore != 100 {
		t.Fatalf("expected trust 100 for immediate repayment, got %d", score.TrustScore)
	}
}

func TestRepayRequiresFunded(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Repay(context.Background(), record.ID, "rAlice"); !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("expected conflict on PENDING repay, got %v", err)
	}
}

func TestRepayWrongBorrower(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.engine.Repay(context.Background(), record.ID, "rDinesh"); !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("expected conflict for non-borrower, got %v", err)
	}
}

func TestRepayLedgerFailureKeepsFunded(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000); err != nil {
		t.Fatalf("fund: %v", err)
	}

	h.sim.FailNext(ledger.ErrTransferRejected)
	if _, err := h.engine.Repay(context.Background(), record.ID, "rAlice"); !errors.Is(err, market.ErrExternalService) {
		t.Fatalf("expected external-service error, got %v", err)
	}

	current, err := h.engine.Get(record.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if current.Status != market.LoanFunded {
		t.Fatalf("loan must stay FUNDED on ledger failure, got %s", current.Status)
	}
	if got := h.balance(t, "rAlice"); got != 1100 {
		t.Fatalf("borrower balance mutated on failed repay: %v", got)
	}
}

func TestCancelIdempotence(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)

	cancelled, err := h.engine.Cancel(record.ID, "rAlice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != market.LoanCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if _, err := h.engine.Cancel(record.ID, "rAlice"); !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("second cancel must conflict, got %v", err)
	}
}

func TestCancelRequiresBorrower(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Cancel(record.ID, "rCarol"); !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("expected conflict for non-borrower cancel, got %v", err)
	}
}

func TestMarkDefaulted(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000); err != nil {
		t.Fatalf("fund: %v", err)
	}

	defaulted, err := h.engine.MarkDefaulted(record.ID)
	if err != nil {
		t.Fatalf("mark defaulted: %v", err)
	}
	if defaulted.Status != market.LoanDefaulted {
		t.Fatalf("expected DEFAULTED, got %s", defaulted.Status)
	}

	escrowRecord := &market.EscrowRecord{}
	if err := h.store.Get(market.KindEscrow, defaulted.EscrowID, escrowRecord); err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if escrowRecord.Status != market.EscrowCancelled {
		t.Fatalf("escrow not closed out: %s", escrowRecord.Status)
	}

	score, err := h.reputations.Score("did:micro:alice")
	if err != nil {
		t.Fatalf("reputation score: %v", err)
	}
	if score.DefaultedLoans != 1 {
		t.Fatalf("default not recorded: %+v", score)
	}
}

func TestExpireOverdue(t *testing.T) {
	h := newHarness(t)
	funded := h.createLoan(t, 1000)
	if _, err := h.engine.Fund(context.Background(), funded.ID, "rCarol", 1000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	pending := h.createLoan(t, 500)

	expired, err := h.engine.ExpireOverdue(testNow.AddDate(0, 0, 31))
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired loan, got %d", expired)
	}

	current, err := h.engine.Get(funded.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if current.Status != market.LoanDefaulted {
		t.Fatalf("overdue loan not defaulted: %s", current.Status)
	}
	untouched, err := h.engine.Get(pending.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if untouched.Status != market.LoanPending {
		t.Fatalf("pending loan swept: %s", untouched.Status)
	}
}

func TestExpireOverdueBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)
	if _, err := h.engine.Fund(context.Background(), record.ID, "rCarol", 1000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	expired, err := h.engine.ExpireOverdue(testNow.AddDate(0, 0, 29))
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if expired != 0 {
		t.Fatalf("loan defaulted before deadline: %d", expired)
	}
}

func TestConcurrentFundingSingleWinner(t *testing.T) {
	h := newHarness(t)
	record := h.createLoan(t, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	lenders := []string{"rCarol", "rDinesh"}
	for i, lender := range lenders {
		wg.Add(1)
		go func(slot int, who string) {
			defer wg.Done()
			_, errs[slot] = h.engine.Fund(context.Background(), record.ID, who, 1000)
		}(i, lender)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, market.ErrStateConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d conflicts", successes, conflicts)
	}

	raws, err := h.store.GetBy(market.KindEscrow, "loan", record.ID)
	if err != nil {
		t.Fatalf("escrow lookup: %v", err)
	}
	if len(raws) != 1 {
		t.Fatalf("expected exactly one escrow, got %d", len(raws))
	}

	current, err := h.engine.Get(record.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if current.Status != market.LoanFunded {
		t.Fatalf("expected FUNDED, got %s", current.Status)
	}
}

// faultyDB fails writes under a key prefix so one entity kind can be made
// unwritable while the rest of the store keeps working.
type faultyDB struct {
	storage.Database
	failPrefix string
}

func (f *faultyDB) Put(key, value []byte) error {
	if strings.HasPrefix(string(key), f.failPrefix) {
		return errors.New("disk full")
	}
	return f.Database.Put(key, value)
}

func TestRepayLogsReputationWriteFailure(t *testing.T) {
	db := &faultyDB{Database: storage.NewMemDB(), failPrefix: "e/reputation/"}
	store := storage.NewEntityStore(db)
	sim := ledger.NewSimulator()
	escrows := escrow.NewEngine(store, sim)
	escrows.SetNowFunc(func() time.Time { return testNow })
	reputations := reputation.NewEngine(store)
	reputations.SetNowFunc(func() time.Time { return testNow })
	engine := NewEngine(store, escrows, reputations)
	engine.SetNowFunc(func() time.Time { return testNow })

	var logs bytes.Buffer
	engine.SetLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	users := []*market.User{
		{Address: "rAlice", Role: market.RoleBorrower, Balance: 100, DID: "did:micro:alice", Pseudonym: "quiet-heron"},
		{Address: "rCarol", Role: market.RoleLender, Balance: 50_000},
	}
	for _, user := range users {
		if err := store.Put(user); err != nil {
			t.Fatalf("seed user %s: %v", user.Address, err)
		}
	}

	record, err := engine.Create(context.Background(), CreateRequest{
		Borrower:            "rAlice",
		Amount:              1000,
		Purpose:             "inventory restock",
		RepaymentPeriodDays: 30,
		TrustScoreHint:      50,
	})
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := engine.Fund(context.Background(), record.ID, "rCarol", 1000); err != nil {
		t.Fatalf("fund loan: %v", err)
	}

	// The repayment itself commits even though the score write fails.
	repaid, err := engine.Repay(context.Background(), record.ID, "rAlice")
	if err != nil {
		t.Fatalf("repay loan: %v", err)
	}
	if repaid.Status != market.LoanRepaid {
		t.Fatalf("expected REPAID, got %s", repaid.Status)
	}
	if _, err := reputations.Score("did:micro:alice"); !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("expected missing reputation record, got %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "reputation update failed") {
		t.Fatalf("reputation failure not logged:\n%s", out)
	}
	if strings.Contains(out, "did:micro:alice") {
		t.Fatalf("raw DID leaked into logs:\n%s", out)
	}
	if !strings.Contains(out, "did:micr...lice") {
		t.Fatalf("masked DID missing from logs:\n%s", out)
	}
}

func TestRecordLogsTransactionWriteFailure(t *testing.T) {
	db := &faultyDB{Database: storage.NewMemDB(), failPrefix: "e/transaction/"}
	store := storage.NewEntityStore(db)
	engine := NewEngine(store, nil, nil)
	engine.SetNowFunc(func() time.Time { return testNow })

	var logs bytes.Buffer
	engine.SetLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	user := &market.User{Address: "rAlice", Role: market.RoleBorrower, Balance: 100}
	if err := store.Put(user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	record, err := engine.Create(context.Background(), CreateRequest{
		Borrower:            "rAlice",
		Amount:              1000,
		Purpose:             "inventory restock",
		RepaymentPeriodDays: 30,
		TrustScoreHint:      50,
	})
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if record.Status != market.LoanPending {
		t.Fatalf("expected PENDING, got %s", record.Status)
	}
	if !strings.Contains(logs.String(), "transaction record failed") {
		t.Fatalf("transaction write failure not logged:\n%s", logs.String())
	}
}
