// Package rules implements the pure calculation rules of the settlement core:
// points earned for investments, amount bounds, and billing-cycle dates.
// Nothing in this package performs I/O; every function is deterministic.
package rules

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownType = errors.New("rules: unknown investment type")
	ErrOutOfBounds = errors.New("rules: amount out of bounds")
)

// InvestmentType identifies a configured investment product.
type InvestmentType string

// Bounds holds the configured limits and bonus for one investment type.
// Amounts are in minor currency units (cents).
type Bounds struct {
	MinAmountCents int64
	MaxAmountCents int64
	BonusPercent   int64 // e.g. 30 means +30% points
}

// Config parameterizes the engine. Bounds are configuration, not code.
type Config struct {
	// BasePointsPerUnit is the points earned per whole currency unit
	// (e.g. 10 points per euro) before any bonus.
	BasePointsPerUnit int64
	Types             map[InvestmentType]Bounds
}

// DefaultConfig returns the built-in product catalog used when no
// configuration is provided.
func DefaultConfig() Config {
	return Config{
		BasePointsPerUnit: 10,
		Types: map[InvestmentType]Bounds{
			"standard": {MinAmountCents: 1_000, MaxAmountCents: 1_000_000, BonusPercent: 0},
			"boost":    {MinAmountCents: 5_000, MaxAmountCents: 1_000_000, BonusPercent: 30},
		},
	}
}

// Engine evaluates rules against a fixed configuration.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine. A zero BasePointsPerUnit falls back to the default.
func NewEngine(cfg Config) *Engine {
	if cfg.BasePointsPerUnit <= 0 {
		cfg.BasePointsPerUnit = DefaultConfig().BasePointsPerUnit
	}
	if cfg.Types == nil {
		cfg.Types = DefaultConfig().Types
	}
	return &Engine{cfg: cfg}
}

// PointsForInvestment computes the points earned for an investment of
// amountCents in the given type. Truncates toward zero; a 30% bonus on
// €100.00 at 10 points per euro yields 1300.
func (e *Engine) PointsForInvestment(t InvestmentType, amountCents int64) (int64, error) {
	b, ok := e.cfg.Types[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return Points(amountCents, e.cfg.BasePointsPerUnit, b.BonusPercent), nil
}

// ValidateAmount enforces the configured [min,max] bounds for the type.
// Amounts exactly at a boundary are accepted.
func (e *Engine) ValidateAmount(t InvestmentType, amountCents int64) error {
	b, ok := e.cfg.Types[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if amountCents < b.MinAmountCents || amountCents > b.MaxAmountCents {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfBounds, amountCents, b.MinAmountCents, b.MaxAmountCents)
	}
	return nil
}

// BonusPercent returns the configured bonus for a type.
func (e *Engine) BonusPercent(t InvestmentType) (int64, error) {
	b, ok := e.cfg.Types[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return b.BonusPercent, nil
}

// Points is the raw formula: amountCents * base * (100+bonus) / (100 * 100).
// Exposed for callers that carry their own bonus (e.g. promotional overrides).
func Points(amountCents, basePointsPerUnit, bonusPercent int64) int64 {
	if amountCents <= 0 || basePointsPerUnit <= 0 {
		return 0
	}
	return amountCents * basePointsPerUnit * (100 + bonusPercent) / 10_000
}

// Frequency is a subscription billing frequency.
type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// pointsExpiryMonths is the fixed offset applied to a subscription start
// date to derive when its granted points expire.
const pointsExpiryMonths = 18

// Months returns the number of months in one billing period.
func (f Frequency) Months() (int, error) {
	switch f {
	case FrequencyMonthly:
		return 1, nil
	case FrequencyQuarterly:
		return 3, nil
	case FrequencyYearly:
		return 12, nil
	}
	return 0, fmt.Errorf("rules: unknown billing frequency %q", f)
}

// NextBillingDate returns the date one billing period after start.
//
// Month-end overflow is clamped to the last day of the target month:
// Jan 31 + 1 month = Feb 28 (29 in leap years). The same input always
// yields the same output.
func NextBillingDate(start time.Time, f Frequency) (time.Time, error) {
	months, err := f.Months()
	if err != nil {
		return time.Time{}, err
	}
	return AddMonthsClamped(start, months), nil
}

// PointsExpiryDate returns the fixed-offset expiry for points granted at
// start: start + 18 months, month-end clamped.
func PointsExpiryDate(start time.Time) time.Time {
	return AddMonthsClamped(start, pointsExpiryMonths)
}

// AddMonthsClamped adds months to t, clamping the day-of-month to the last
// day of the target month instead of letting time.Date normalize overflow
// (which would turn Jan 31 + 1 month into Mar 2/3).
func AddMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysInMonth(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
