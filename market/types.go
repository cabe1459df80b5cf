package market

import (
	"strings"
	"time"
)

// EntityKind names one of the persisted entity families. The entity store keys
// every record under its kind so unrelated families never collide.
type EntityKind string

const (
	KindUser       EntityKind = "user"
	KindLoan       EntityKind = "loan_request"
	KindTx         EntityKind = "transaction"
	KindEscrow     EntityKind = "escrow"
	KindReputation EntityKind = "reputation"
)

// Entity is implemented by every persisted type so the store can derive the
// primary key and secondary index values without reflection.
type Entity interface {
	StoreKind() EntityKind
	StoreKey() string
	// IndexValues returns the secondary index entries for the current state of
	// the entity, keyed by index name. Empty values are not indexed.
	IndexValues() map[string]string
}

// Role distinguishes the two participant sides of the marketplace.
type Role string

const (
	RoleBorrower Role = "borrower"
	RoleLender   Role = "lender"
)

// Valid reports whether the role is one of the supported values.
func (r Role) Valid() bool { return r == RoleBorrower || r == RoleLender }

// LoanStatus is the lifecycle state of a LoanRequest. PENDING is initial;
// REPAID, DEFAULTED and CANCELLED are terminal.
type LoanStatus string

const (
	LoanPending   LoanStatus = "PENDING"
	LoanFunded    LoanStatus = "FUNDED"
	LoanRepaid    LoanStatus = "REPAID"
	LoanDefaulted LoanStatus = "DEFAULTED"
	LoanCancelled LoanStatus = "CANCELLED"
)

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanPending, LoanFunded, LoanRepaid, LoanDefaulted, LoanCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave this status.
func (s LoanStatus) Terminal() bool {
	switch s {
	case LoanRepaid, LoanDefaulted, LoanCancelled:
		return true
	default:
		return false
	}
}

// EscrowStatus tracks an escrow record. The sequence never regresses:
// created -> funded -> released, or created|funded -> cancelled.
type EscrowStatus string

const (
	EscrowCreated   EscrowStatus = "created"
	EscrowFunded    EscrowStatus = "funded"
	EscrowReleased  EscrowStatus = "released"
	EscrowCancelled EscrowStatus = "cancelled"
)

func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowCreated, EscrowFunded, EscrowReleased, EscrowCancelled:
		return true
	default:
		return false
	}
}

func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowCancelled
}

// TxType enumerates the audit log entry types.
type TxType string

const (
	TxLoanRequest   TxType = "loan_request"
	TxLoanFunded    TxType = "loan_funded"
	TxRepayment     TxType = "repayment"
	TxEscrowCreate  TxType = "escrow_create"
	TxEscrowRelease TxType = "escrow_release"
)

// TxStatus is the settlement status of an audit log entry.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// VerificationLevel grades how established a borrower identity is.
type VerificationLevel string

const (
	VerifyNone     VerificationLevel = "unverified"
	VerifyBasic    VerificationLevel = "basic"
	VerifyEnhanced VerificationLevel = "enhanced"
)

// ReleaseType selects how an escrow unlocks.
type ReleaseType string

const (
	ReleaseTimeBased      ReleaseType = "time"
	ReleaseConditionBased ReleaseType = "conditions"
)

// User is a marketplace participant. The address is the primary key; DID and
// pseudonym are opaque strings supplied by the identity provider.
type User struct {
	Address       string  `json:"address"`
	DisplayName   string  `json:"displayName"`
	Role          Role    `json:"role"`
	Balance       float64 `json:"balance"`
	DID           string  `json:"did,omitempty"`
	Pseudonym     string  `json:"pseudonymousId,omitempty"`
	RiskTolerance string  `json:"riskTolerance,omitempty"`
}

func (u *User) StoreKind() EntityKind { return KindUser }
func (u *User) StoreKey() string      { return u.Address }

func (u *User) IndexValues() map[string]string {
	return map[string]string{
		"role": string(u.Role),
		"did":  u.DID,
	}
}

// Clone returns a copy the caller may mutate freely.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

// ReleaseCondition describes when a funded escrow may be released: either a
// timestamp or a list of named conditions that must all hold.
type ReleaseCondition struct {
	Type       ReleaseType `json:"type"`
	ReleaseAt  *time.Time  `json:"releaseAt,omitempty"`
	Conditions []string    `json:"conditions,omitempty"`
}

// LoanRequest is the central entity of the marketplace. It is created by a
// borrower command and mutated only by the lifecycle controller; cancelled
// loans are retained, never physically deleted.
type LoanRequest struct {
	ID                  string     `json:"id"`
	Borrower            string     `json:"borrowerAddress"`
	BorrowerDID         string     `json:"borrowerDid,omitempty"`
	BorrowerPseudonym   string     `json:"borrowerPseudonym,omitempty"`
	Amount              float64    `json:"amount"`
	Currency            string     `json:"currency"`
	Purpose             string     `json:"purpose"`
	Tags                []string   `json:"tags,omitempty"`
	Status              LoanStatus `json:"status"`
	CreatedAt           time.Time  `json:"createdAt"`
	FundedAt            *time.Time `json:"fundedAt,omitempty"`
	RepaidAt            *time.Time `json:"repaidAt,omitempty"`
	Lender              string     `json:"lenderAddress,omitempty"`
	EscrowID            string     `json:"escrowId,omitempty"`
	FundingTxRef        string     `json:"fundingTxRef,omitempty"`
	SettlementTxRef     string     `json:"settlementTxRef,omitempty"`
	InterestRate        float64    `json:"interestRate"`
	RepaymentPeriodDays int        `json:"repaymentPeriodDays"`
	RiskScore           int        `json:"riskScore"`
}

func (l *LoanRequest) StoreKind() EntityKind { return KindLoan }
func (l *LoanRequest) StoreKey() string      { return l.ID }

func (l *LoanRequest) IndexValues() map[string]string {
	return map[string]string{
		"borrower": l.Borrower,
		"lender":   l.Lender,
		"status":   string(l.Status),
	}
}

func (l *LoanRequest) Clone() *LoanRequest {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Tags != nil {
		clone.Tags = append([]string(nil), l.Tags...)
	}
	if l.FundedAt != nil {
		t := *l.FundedAt
		clone.FundedAt = &t
	}
	if l.RepaidAt != nil {
		t := *l.RepaidAt
		clone.RepaidAt = &t
	}
	return &clone
}

// TxMetadata is the closed per-type metadata schema carried by audit entries.
// SchemaVersion guards future field additions.
type TxMetadata struct {
	SchemaVersion    int     `json:"schemaVersion"`
	Note             string  `json:"note,omitempty"`
	InterestRate     float64 `json:"interestRate,omitempty"`
	SettlementAmount float64 `json:"settlementAmount,omitempty"`
}

// Transaction is an append-only audit record. Entries are never mutated after
// creation except status corrections.
type Transaction struct {
	ID          string     `json:"id"`
	Type        TxType     `json:"type"`
	From        string     `json:"fromAddress"`
	To          string     `json:"toAddress"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	ExternalRef string     `json:"externalTxRef,omitempty"`
	LoanID      string     `json:"loanId,omitempty"`
	EscrowID    string     `json:"escrowId,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Status      TxStatus   `json:"status"`
	Metadata    TxMetadata `json:"metadata"`
}

func (t *Transaction) StoreKind() EntityKind { return KindTx }
func (t *Transaction) StoreKey() string      { return t.ID }

func (t *Transaction) IndexValues() map[string]string {
	return map[string]string{
		"loan": t.LoanID,
		"from": t.From,
		"to":   t.To,
	}
}

// EscrowRecord is the authoritative record that a loan is economically
// committed. Exactly one exists per funded loan.
type EscrowRecord struct {
	ID           string           `json:"id"`
	LoanID       string           `json:"loanId"`
	Lender       string           `json:"lenderAddress"`
	Borrower     string           `json:"borrowerAddress"`
	Amount       float64          `json:"amount"`
	Currency     string           `json:"currency"`
	CreatedAt    time.Time        `json:"createdAt"`
	Release      ReleaseCondition `json:"releaseCondition"`
	Status       EscrowStatus     `json:"status"`
	FundingTxRef string           `json:"fundingTxRef,omitempty"`
	ReleaseTxRef string           `json:"releaseTxRef,omitempty"`
}

func (e *EscrowRecord) StoreKind() EntityKind { return KindEscrow }
func (e *EscrowRecord) StoreKey() string      { return e.ID }

func (e *EscrowRecord) IndexValues() map[string]string {
	return map[string]string{
		"loan":     e.LoanID,
		"lender":   e.Lender,
		"borrower": e.Borrower,
	}
}

func (e *EscrowRecord) Clone() *EscrowRecord {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Release.Conditions != nil {
		clone.Release.Conditions = append([]string(nil), e.Release.Conditions...)
	}
	if e.Release.ReleaseAt != nil {
		t := *e.Release.ReleaseAt
		clone.Release.ReleaseAt = &t
	}
	return &clone
}

// ReputationScore aggregates a borrower identity's loan outcomes. One record
// per DID, created lazily on the first reputation event.
type ReputationScore struct {
	DID                  string            `json:"did"`
	Pseudonym            string            `json:"pseudonymousId,omitempty"`
	TotalLoans           int               `json:"totalLoans"`
	SuccessfulRepayments int               `json:"successfulRepayments"`
	DefaultedLoans       int               `json:"defaultedLoans"`
	AverageRepaymentDays float64           `json:"averageRepaymentTime"`
	TrustScore           int               `json:"trustScore"`
	Verification         VerificationLevel `json:"verificationLevel"`
	LastUpdated          time.Time         `json:"lastUpdated"`
	CategoryBreakdown    map[string]int    `json:"categoryBreakdown,omitempty"`
}

func (r *ReputationScore) StoreKind() EntityKind { return KindReputation }
func (r *ReputationScore) StoreKey() string      { return r.DID }

func (r *ReputationScore) IndexValues() map[string]string {
	return map[string]string{"pseudonym": r.Pseudonym}
}

func (r *ReputationScore) Clone() *ReputationScore {
	if r == nil {
		return nil
	}
	clone := *r
	if r.CategoryBreakdown != nil {
		clone.CategoryBreakdown = make(map[string]int, len(r.CategoryBreakdown))
		for k, v := range r.CategoryBreakdown {
			clone.CategoryBreakdown[k] = v
		}
	}
	return &clone
}

// NormalizeTags lowercases, trims and de-duplicates a tag set, preserving
// first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.ToLower(strings.TrimSpace(tag))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
