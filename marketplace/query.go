// Package marketplace is the read-only view over open loan requests that the
// presentation layer browses. It performs no mutation.
package marketplace

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"microlend/market"
	"microlend/storage"
)

var errNilStore = errors.New("marketplace: store not configured")

// Risk bands over the 0-100 risk score.
const (
	RiskLow    = "low"    // riskScore >= 80
	RiskMedium = "medium" // 60 <= riskScore <= 79
	RiskHigh   = "high"   // riskScore < 60
)

// Amount bands over the requested principal.
const (
	AmountSmall  = "small"  // < 1000
	AmountMedium = "medium" // 1000 - 2999
	AmountLarge  = "large"  // >= 3000
)

// Sort keys accepted by ListAvailable.
const (
	SortByAmount  = "amount"
	SortByRisk    = "risk"
	SortByRate    = "rate"
	SortByCreated = "created"
)

// Filter narrows and orders the open-loan listing. Zero values mean "no
// constraint"; an unknown risk or amount band is a validation error.
type Filter struct {
	RiskLevel  string
	AmountBand string
	Tag        string
	Search     string
	SortBy     string
	Descending bool
}

// Query serves read-only lookups over the entity store.
type Query struct {
	store *storage.EntityStore
}

func New(store *storage.EntityStore) *Query {
	return &Query{store: store}
}

// ListAvailable returns every PENDING loan matching the filter, sorted as
// requested. An empty result is a valid outcome, not an error.
func (q *Query) ListAvailable(filter Filter) ([]*market.LoanRequest, error) {
	if q == nil || q.store == nil {
		return nil, errNilStore
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	raws, err := q.store.GetBy(market.KindLoan, "status", string(market.LoanPending))
	if err != nil {
		return nil, err
	}
	loans := make([]*market.LoanRequest, 0, len(raws))
	for _, raw := range raws {
		record := &market.LoanRequest{}
		if err := json.Unmarshal(raw, record); err != nil {
			return nil, err
		}
		if record.Status != market.LoanPending {
			continue
		}
		if !matches(record, filter) {
			continue
		}
		loans = append(loans, record)
	}
	sortLoans(loans, filter.SortBy, filter.Descending)
	return loans, nil
}

// ByBorrower returns every loan posted by the given borrower, newest first.
func (q *Query) ByBorrower(borrower string) ([]*market.LoanRequest, error) {
	if q == nil || q.store == nil {
		return nil, errNilStore
	}
	raws, err := q.store.GetBy(market.KindLoan, "borrower", strings.TrimSpace(borrower))
	if err != nil {
		return nil, err
	}
	loans := make([]*market.LoanRequest, 0, len(raws))
	for _, raw := range raws {
		record := &market.LoanRequest{}
		if err := json.Unmarshal(raw, record); err != nil {
			return nil, err
		}
		loans = append(loans, record)
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.After(loans[j].CreatedAt) })
	return loans, nil
}

func validateFilter(filter Filter) error {
	switch filter.RiskLevel {
	case "", RiskLow, RiskMedium, RiskHigh:
	default:
		return market.Validationf("unknown risk level %q", filter.RiskLevel)
	}
	switch filter.AmountBand {
	case "", AmountSmall, AmountMedium, AmountLarge:
	default:
		return market.Validationf("unknown amount band %q", filter.AmountBand)
	}
	switch filter.SortBy {
	case "", SortByAmount, SortByRisk, SortByRate, SortByCreated:
	default:
		return market.Validationf("unknown sort key %q", filter.SortBy)
	}
	return nil
}

func matches(record *market.LoanRequest, filter Filter) bool {
	switch filter.RiskLevel {
	case RiskLow:
		if record.RiskScore < 80 {
			return false
		}
	case RiskMedium:
		if record.RiskScore < 60 || record.RiskScore > 79 {
			return false
		}
	case RiskHigh:
		if record.RiskScore >= 60 {
			return false
		}
	}
	switch filter.AmountBand {
	case AmountSmall:
		if record.Amount >= 1000 {
			return false
		}
	case AmountMedium:
		if record.Amount < 1000 || record.Amount >= 3000 {
			return false
		}
	case AmountLarge:
		if record.Amount < 3000 {
			return false
		}
	}
	if tag := strings.ToLower(strings.TrimSpace(filter.Tag)); tag != "" {
		found := false
		for _, t := range record.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if needle := strings.ToLower(strings.TrimSpace(filter.Search)); needle != "" {
		haystack := strings.ToLower(record.Purpose + " " + strings.Join(record.Tags, " ") + " " + record.BorrowerPseudonym)
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func sortLoans(loans []*market.LoanRequest, key string, descending bool) {
	var less func(i, j int) bool
	switch key {
	case SortByAmount:
		less = func(i, j int) bool { return loans[i].Amount < loans[j].Amount }
	case SortByRisk:
		less = func(i, j int) bool { return loans[i].RiskScore < loans[j].RiskScore }
	case SortByRate:
		less = func(i, j int) bool { return loans[i].InterestRate < loans[j].InterestRate }
	default:
		less = func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) }
	}
	if descending {
		original := less
		less = func(i, j int) bool { return original(j, i) }
	}
	sort.SliceStable(loans, less)
}
