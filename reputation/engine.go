// Package reputation derives trust scores from loan outcomes and owns the
// pricing formulas that turn a trust score into an interest rate and a risk
// score. Loan creation calls into this package rather than re-deriving the
// formulas so pricing stays consistent across the marketplace.
package reputation

import (
	"errors"
	"math"
	"strings"
	"time"

	"microlend/market"
	"microlend/storage"
)

var errNilStore = errors.New("reputation: store not configured")

// Engine updates reputation records after terminal loan outcomes. It is
// deterministic given its inputs; the wall clock is injectable for tests.
type Engine struct {
	store *storage.EntityStore
	nowFn func() time.Time
}

// NewEngine binds the engine to the entity store.
func NewEngine(store *storage.EntityStore) *Engine {
	return &Engine{store: store, nowFn: time.Now}
}

// SetNowFunc overrides the timestamp source. Primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// InterestRateFor prices a loan for the given trust score: the platform base
// rate discounted by up to MaxTrustDiscount points, rounded to one decimal.
func InterestRateFor(trustScore int) float64 {
	rate := market.BaseInterestRate - float64(trustScore)/100*market.MaxTrustDiscount
	return math.Round(rate*10) / 10
}

// RiskScoreFor grades a loan's risk from the borrower's trust score plus the
// supplied jitter, clamped to the platform band.
func RiskScoreFor(trustScore int, jitter float64) int {
	return market.ClampRisk(float64(trustScore) + jitter)
}

// Outcome describes one terminal loan result reported to the engine.
type Outcome struct {
	DID           string
	Pseudonym     string
	Category      string
	Successful    bool
	RepaymentDays float64
}

// RecordOutcome folds a terminal loan outcome into the borrower's reputation
// record, creating it lazily on first contact. The trust score recomputation
// follows the documented formula: successRate*100 plus a timeliness bonus of
// max(0, 30-avgRepaymentDays)*2 minus 10 points per default, clamped to
// [0, 100] and rounded.
func (e *Engine) RecordOutcome(out Outcome) (*market.ReputationScore, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	did := strings.TrimSpace(out.DID)
	if did == "" {
		return nil, market.Validationf("borrower DID required")
	}

	score := &market.ReputationScore{}
	err := e.store.Get(market.KindReputation, did, score)
	if errors.Is(err, market.ErrNotFound) {
		score = &market.ReputationScore{
			DID:          did,
			Pseudonym:    strings.TrimSpace(out.Pseudonym),
			TrustScore:   market.DefaultTrustScore,
			Verification: market.VerifyNone,
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if score.Pseudonym == "" {
		score.Pseudonym = strings.TrimSpace(out.Pseudonym)
	}

	score.TotalLoans++
	if out.Successful {
		// Running mean over successful repayments, new observation included.
		prior := float64(score.SuccessfulRepayments)
		score.SuccessfulRepayments++
		score.AverageRepaymentDays = (score.AverageRepaymentDays*prior + out.RepaymentDays) / float64(score.SuccessfulRepayments)
	} else {
		score.DefaultedLoans++
	}

	successRate := float64(score.SuccessfulRepayments) / float64(score.TotalLoans)
	timelinessBonus := math.Max(0, 30-score.AverageRepaymentDays) * 2
	defaultPenalty := float64(score.DefaultedLoans) * 10
	score.TrustScore = int(math.Round(market.ClampTrust(successRate*100 + timelinessBonus - defaultPenalty)))

	if category := strings.TrimSpace(out.Category); category != "" {
		if score.CategoryBreakdown == nil {
			score.CategoryBreakdown = make(map[string]int)
		}
		score.CategoryBreakdown[strings.ToLower(category)]++
	}

	score.Verification = verificationFor(score)
	score.LastUpdated = e.nowFn().UTC()

	if err := e.store.Put(score); err != nil {
		return nil, err
	}
	return score.Clone(), nil
}

// Score returns the stored reputation record for a DID.
func (e *Engine) Score(did string) (*market.ReputationScore, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	did = strings.TrimSpace(did)
	if did == "" {
		return nil, market.Validationf("borrower DID required")
	}
	score := &market.ReputationScore{}
	if err := e.store.Get(market.KindReputation, did, score); err != nil {
		return nil, err
	}
	return score, nil
}

// verificationFor upgrades the verification level as a history accumulates:
// basic after three loans at trust >= 60, enhanced after ten at trust >= 80.
// Levels never downgrade.
func verificationFor(score *market.ReputationScore) market.VerificationLevel {
	level := score.Verification
	if level == "" {
		level = market.VerifyNone
	}
	if score.TotalLoans >= 10 && score.TrustScore >= 80 {
		return market.VerifyEnhanced
	}
	if level == market.VerifyEnhanced {
		return level
	}
	if score.TotalLoans >= 3 && score.TrustScore >= 60 {
		return market.VerifyBasic
	}
	return level
}
