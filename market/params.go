package market

import "strings"

// Platform pricing and validation parameters. These are shared between loan
// creation and the reputation engine so pricing stays consistent everywhere.
const (
	MinLoanAmount = 10.0
	MaxLoanAmount = 25_000.0

	BaseInterestRate  = 12.0
	MaxTrustDiscount  = 4.0
	MinRiskScore      = 20
	MaxRiskScore      = 100
	DefaultTrustScore = 50

	DefaultCurrency = "XRP"
)

// AllowedRepaymentPeriods is the fixed set of repayment terms, in days.
var AllowedRepaymentPeriods = []int{7, 14, 21, 30, 45, 60}

// ValidRepaymentPeriod reports whether days is one of the allowed terms.
func ValidRepaymentPeriod(days int) bool {
	for _, allowed := range AllowedRepaymentPeriods {
		if days == allowed {
			return true
		}
	}
	return false
}

// ValidateLoanInput checks the borrower-supplied fields of a new loan request.
// It returns a validation error naming the first offending field.
func ValidateLoanInput(borrower string, amount float64, purpose string, periodDays int) error {
	if strings.TrimSpace(borrower) == "" {
		return Validationf("borrower address required")
	}
	if amount < MinLoanAmount || amount > MaxLoanAmount {
		return Validationf("amount %.2f outside platform bounds [%.0f, %.0f]", amount, MinLoanAmount, MaxLoanAmount)
	}
	if strings.TrimSpace(purpose) == "" {
		return Validationf("purpose required")
	}
	if !ValidRepaymentPeriod(periodDays) {
		return Validationf("repayment period %d days not in allowed set %v", periodDays, AllowedRepaymentPeriods)
	}
	return nil
}

// SanitizeUser validates and normalises a user record, returning a clone with
// trimmed identifiers. The original value is not mutated.
func SanitizeUser(u *User) (*User, error) {
	if u == nil {
		return nil, Validationf("nil user")
	}
	clone := u.Clone()
	clone.Address = strings.TrimSpace(clone.Address)
	if clone.Address == "" {
		return nil, Validationf("user address required")
	}
	if !clone.Role.Valid() {
		return nil, Validationf("unsupported role %q", clone.Role)
	}
	if clone.Balance < 0 {
		return nil, Validationf("balance must be non-negative")
	}
	return clone, nil
}

// ClampTrust bounds a trust score into [0, 100].
func ClampTrust(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ClampRisk bounds a risk score into the platform band [20, 100].
func ClampRisk(score float64) int {
	if score < MinRiskScore {
		return MinRiskScore
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return int(score + 0.5)
}
