package wallet

import "fmt"

const (
	// DefaultSafetyMargin is added to every computed fee to absorb estimation error
	DefaultSafetyMargin = 100

	// DefaultUnitAmount is the amount paid per output (the P2SH dust threshold)
	DefaultUnitAmount = 546

	// MaxReasonableFeeRate is the fee rate (sat/kB) above which a request is refused.
	// 1000 sat/vB expressed per kilobyte.
	MaxReasonableFeeRate = 1_000_000

	FeeTierLow    = "low"
	FeeTierMedium = "medium"
	FeeTierHigh   = "high"
)

// FeeRateSnapshot holds network fee tiers in satoshis per 1000 bytes
type FeeRateSnapshot struct {
	High   int64 `json:"high_fee_per_kb"`
	Medium int64 `json:"medium_fee_per_kb"`
	Low    int64 `json:"low_fee_per_kb"`
}

// Tier returns the rate for "low", "medium" or "high"
func (s *FeeRateSnapshot) Tier(name string) (int64, error) {
	switch name {
	case FeeTierLow, "":
		return s.Low, nil
	case FeeTierMedium:
		return s.Medium, nil
	case FeeTierHigh:
		return s.High, nil
	default:
		return 0, fmt.Errorf("unknown fee tier %q (supported: low, medium, high)", name)
	}
}

// ComputeFee converts a size and a per-kilobyte rate into a fee:
// round(bytes * rate / 1000) + margin, rounding half up.
// Negative arguments are treated as zero so the result is never below the margin.
func ComputeFee(estimatedBytes, feeRatePerKb, safetyMargin int64) int64 {
	if estimatedBytes < 0 {
		estimatedBytes = 0
	}
	if feeRatePerKb < 0 {
		feeRatePerKb = 0
	}
	if safetyMargin < 0 {
		safetyMargin = 0
	}
	return (estimatedBytes*feeRatePerKb+500)/1000 + safetyMargin
}

// ValidateFeeRate returns an error message if the fee rate is dangerously high, empty string otherwise
func ValidateFeeRate(feeRatePerKb int64) string {
	if feeRatePerKb > MaxReasonableFeeRate {
		return fmt.Sprintf("fee rate %d sat/kB exceeds safety limit of %d sat/kB", feeRatePerKb, MaxReasonableFeeRate)
	}
	return ""
}
