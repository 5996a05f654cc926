package stage

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	hundred  = decimal.NewFromInt(100)
	dayNanos = decimal.NewFromInt(int64(24 * time.Hour))
)

// =============================================================================
// PROGRESS CALCULATOR
// =============================================================================

// Progress is the state of one stage occupancy as of a reference time.
type Progress struct {
	Stage             string
	Known             bool // stage is declared in the table
	CompletionPercent decimal.Decimal
	DaysInStage       decimal.Decimal // 6 decimal places
	MaxDaysInStage    decimal.Decimal
	IsDelayed         bool
	DelayMessage      string // empty unless IsDelayed
}

// ExcessDays is how far past the stage limit the occupancy is, never negative.
func (p Progress) ExcessDays() decimal.Decimal {
	if !p.IsDelayed {
		return decimal.Zero
	}
	return RoundDays(decimal.Max(decimal.Zero, p.DaysInStage.Sub(p.MaxDaysInStage)))
}

// Progress evaluates a stage occupancy that began at enteredAt, as of asOf.
//
// A zero enteredAt means the occupancy starts at asOf; a zero asOf means now.
// Empty or unknown stage names yield a neutral result (0%, not delayed).
// An occupancy is delayed only when DaysInStage is strictly greater than the
// stage limit. This is the only place delay is decided; the reconciler, the
// transition close and the metrics report all call it.
func (t *Table) Progress(stageName string, enteredAt, asOf time.Time) Progress {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	if enteredAt.IsZero() {
		enteredAt = asOf
	}

	policy, ok := t.Lookup(stageName)
	if !ok {
		return Progress{
			Stage:             stageName,
			CompletionPercent: decimal.Zero,
			DaysInStage:       decimal.Zero,
			MaxDaysInStage:    decimal.Zero,
		}
	}

	days := ElapsedDays(enteredAt, asOf)
	p := Progress{
		Stage:             policy.Name,
		Known:             true,
		CompletionPercent: policy.CompletionPercent,
		DaysInStage:       days,
		MaxDaysInStage:    policy.MaxDays,
		IsDelayed:         days.GreaterThan(policy.MaxDays),
	}
	if p.IsDelayed {
		p.DelayMessage = policy.DelayMessage
	}
	return p
}

// ElapsedDays returns (to - from) in days, rounded to 6 decimals.
// Clock skew that puts from after to counts as zero days.
func ElapsedDays(from, to time.Time) decimal.Decimal {
	d := to.Sub(from)
	if d <= 0 {
		return decimal.Zero
	}
	return RoundDays(decimal.NewFromInt(int64(d)).Div(dayNanos))
}

// =============================================================================
// DISBURSEMENT CALCULATOR
// =============================================================================

// Disbursement returns the amount unlocked at a stage: the stage's completion
// percent of (principal + supplemental), rounded to cents. Unknown stages unlock 0.
func (t *Table) Disbursement(stageName string, principal, supplemental decimal.Decimal) decimal.Decimal {
	policy, ok := t.Lookup(stageName)
	if !ok || policy.CompletionPercent.IsZero() {
		return decimal.Zero
	}
	total := principal.Add(supplemental)
	return RoundMoney(policy.CompletionPercent.Div(hundred).Mul(total))
}
