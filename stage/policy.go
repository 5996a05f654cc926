/*
Package stage holds the loan-pipeline stage policy table and the pure
calculators built on it.

PURPOSE:
  Every pipeline entry sits in exactly one workflow stage. A stage carries
  a completion percentage (how much of the requested amount is considered
  unlocked) and a maximum dwell time. This package answers two questions
  for any (stage, time) pair:
    - How far along is the entry, and has it overstayed? (Progress)
    - How much money is unlocked at this stage?           (Disbursement)

KEY CONCEPTS IN THIS FILE (policy.go):
  - Policy: one row of the table (name, percent, max days, delay message)
  - Table:  the ordered, immutable set of policies

IMMUTABILITY:
  A Table is built once at startup (from config or DefaultPolicies) and is
  never mutated afterwards. It is passed explicitly to every component that
  needs it, so calculators can be tested with any table.

SEE ALSO:
  - progress.go: ProgressCalculator and DisbursementCalculator
  - round.go:    Rounding rules shared with the metrics report
  - config/config.go: [[stages]] overrides
*/
package stage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Unassigned labels entries whose stage is empty or unknown to the table.
const Unassigned = "Unassigned"

// =============================================================================
// POLICY
// =============================================================================

// Policy describes one workflow stage.
type Policy struct {
	Name              string
	CompletionPercent decimal.Decimal // 0-100
	MaxDays           decimal.Decimal // fractional days allowed, 0.5 = 12 hours
	DelayMessage      string
}

// =============================================================================
// TABLE
// =============================================================================

// Table is the ordered stage policy table. The zero value is an empty table.
type Table struct {
	policies []Policy
	index    map[string]int
}

// NewTable validates and builds a table from policies in declared order.
//
// INVARIANTS:
//   - names are non-empty and unique
//   - completion percent lies in [0, 100] and never decreases along the order
//   - max days is strictly positive
func NewTable(policies []Policy) (*Table, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("stage table: at least one stage is required")
	}

	hundred := decimal.NewFromInt(100)
	t := &Table{
		policies: make([]Policy, 0, len(policies)),
		index:    make(map[string]int, len(policies)),
	}

	prev := decimal.Zero
	for i, p := range policies {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("stage table: stage %d has an empty name", i)
		}
		if _, dup := t.index[name]; dup {
			return nil, fmt.Errorf("stage table: duplicate stage %q", name)
		}
		if p.CompletionPercent.IsNegative() || p.CompletionPercent.GreaterThan(hundred) {
			return nil, fmt.Errorf("stage table: %q completion percent %s outside 0-100", name, p.CompletionPercent)
		}
		if p.CompletionPercent.LessThan(prev) {
			return nil, fmt.Errorf("stage table: %q completion percent %s is below previous stage (%s)", name, p.CompletionPercent, prev)
		}
		if !p.MaxDays.IsPositive() {
			return nil, fmt.Errorf("stage table: %q max days must be positive", name)
		}
		prev = p.CompletionPercent

		p.Name = name
		t.index[name] = len(t.policies)
		t.policies = append(t.policies, p)
	}
	return t, nil
}

// MustTable is NewTable for static tables; it panics on invalid input.
func MustTable(policies []Policy) *Table {
	t, err := NewTable(policies)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the policy for a stage name.
func (t *Table) Lookup(name string) (Policy, bool) {
	if t == nil {
		return Policy{}, false
	}
	i, ok := t.index[name]
	if !ok {
		return Policy{}, false
	}
	return t.policies[i], true
}

// Has reports whether the stage name is declared.
func (t *Table) Has(name string) bool {
	_, ok := t.Lookup(name)
	return ok
}

// Position returns the declared position of a stage, or -1 if unknown.
func (t *Table) Position(name string) int {
	if t == nil {
		return -1
	}
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Names returns stage names in declared order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, len(t.policies))
	for i, p := range t.policies {
		names[i] = p.Name
	}
	return names
}

// Policies returns a copy of the policies in declared order.
func (t *Table) Policies() []Policy {
	if t == nil {
		return nil
	}
	out := make([]Policy, len(t.policies))
	copy(out, t.policies)
	return out
}

// First returns the first declared stage name.
func (t *Table) First() string {
	if t == nil || len(t.policies) == 0 {
		return ""
	}
	return t.policies[0].Name
}

// BucketName maps a raw stage value to its reporting bucket: declared
// stages keep their name, empty or retired names fold into Unassigned.
func (t *Table) BucketName(name string) string {
	if t.Has(name) {
		return name
	}
	return Unassigned
}

// =============================================================================
// DEFAULT TABLE
// =============================================================================

// DefaultPolicies is the built-in loan workflow used when config declares no stages.
func DefaultPolicies() []Policy {
	return []Policy{
		newPolicy("Lead", "0", "7", "Lead has not been qualified within 7 days"),
		newPolicy("Documentation", "10", "4", "Documentation outstanding for more than 4 days"),
		newPolicy("Credit analysis", "25", "3", "Credit analysis running longer than 3 days"),
		newPolicy("TL review", "40", "1", "Team lead review pending for more than a day"),
		newPolicy("Credit committee", "60", "2", "Awaiting credit committee decision for more than 2 days"),
		newPolicy("Offer letter", "75", "0.5", "Offer letter not issued within 12 hours"),
		newPolicy("Security perfection", "90", "5", "Security perfection taking longer than 5 days"),
		newPolicy("Disbursed", "100", "365", "Disbursed entry still open after a year"),
	}
}

// Default returns a table built from DefaultPolicies.
func Default() *Table {
	return MustTable(DefaultPolicies())
}

func newPolicy(name, percent, maxDays, message string) Policy {
	return Policy{
		Name:              name,
		CompletionPercent: decimal.RequireFromString(percent),
		MaxDays:           decimal.RequireFromString(maxDays),
		DelayMessage:      message,
	}
}
