package rules

import (
	"errors"
	"testing"
	"time"
)

func testEngine() *Engine {
	return NewEngine(Config{
		BasePointsPerUnit: 10,
		Types: map[InvestmentType]Bounds{
			"standard": {MinAmountCents: 1_000, MaxAmountCents: 1_000_000, BonusPercent: 0},
			"boost":    {MinAmountCents: 5_000, MaxAmountCents: 1_000_000, BonusPercent: 30},
		},
	})
}

func TestPointsForInvestment(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name        string
		invType     InvestmentType
		amountCents int64
		want        int64
	}{
		{"hundred euros no bonus", "standard", 10_000, 1000},
		{"hundred euros 30 percent bonus", "boost", 10_000, 1300},
		{"one euro no bonus", "standard", 100, 10},
		{"fractional result truncates", "boost", 101, 13}, // 101*10*130/10000 = 13.13
		{"zero amount", "standard", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.PointsForInvestment(tt.invType, tt.amountCents)
			if err != nil {
				t.Fatalf("PointsForInvestment: %v", err)
			}
			if got != tt.want {
				t.Errorf("PointsForInvestment(%s, %d) = %d, want %d", tt.invType, tt.amountCents, got, tt.want)
			}
		})
	}

	if _, err := e.PointsForInvestment("nonexistent", 100); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestValidateAmount_Bounds(t *testing.T) {
	e := testEngine()

	// Exact boundaries are accepted.
	if err := e.ValidateAmount("standard", 1_000); err != nil {
		t.Errorf("min boundary should be accepted: %v", err)
	}
	if err := e.ValidateAmount("standard", 1_000_000); err != nil {
		t.Errorf("max boundary should be accepted: %v", err)
	}

	// Outside is rejected.
	if err := e.ValidateAmount("standard", 999); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("below min should be ErrOutOfBounds, got %v", err)
	}
	if err := e.ValidateAmount("standard", 1_000_001); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("above max should be ErrOutOfBounds, got %v", err)
	}
	if err := e.ValidateAmount("nonexistent", 5_000); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown type should be ErrUnknownType, got %v", err)
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextBillingDate_MonthEndClamp(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		freq  Frequency
		want  time.Time
	}{
		{"jan 31 monthly clamps to feb 28", date(2025, time.January, 31), FrequencyMonthly, date(2025, time.February, 28)},
		{"jan 31 monthly leap year clamps to feb 29", date(2024, time.January, 31), FrequencyMonthly, date(2024, time.February, 29)},
		{"mid month monthly", date(2025, time.March, 15), FrequencyMonthly, date(2025, time.April, 15)},
		{"oct 31 monthly clamps to nov 30", date(2025, time.October, 31), FrequencyMonthly, date(2025, time.November, 30)},
		{"nov 30 quarterly keeps day", date(2025, time.November, 30), FrequencyQuarterly, date(2026, time.February, 28)},
		{"dec 31 monthly crosses year", date(2025, time.December, 31), FrequencyMonthly, date(2026, time.January, 31)},
		{"feb 29 yearly clamps to feb 28", date(2024, time.February, 29), FrequencyYearly, date(2025, time.February, 28)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextBillingDate(tt.start, tt.freq)
			if err != nil {
				t.Fatalf("NextBillingDate: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextBillingDate(%s, %s) = %s, want %s",
					tt.start.Format("2006-01-02"), tt.freq, got.Format("2006-01-02"), tt.want.Format("2006-01-02"))
			}
		})
	}
}

func TestNextBillingDate_Deterministic(t *testing.T) {
	start := date(2025, time.January, 31)
	first, err := NextBillingDate(start, FrequencyMonthly)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := NextBillingDate(start, FrequencyMonthly)
		if err != nil {
			t.Fatal(err)
		}
		if !again.Equal(first) {
			t.Fatalf("non-deterministic result: %s vs %s", again, first)
		}
	}
}

func TestNextBillingDate_UnknownFrequency(t *testing.T) {
	if _, err := NextBillingDate(date(2025, time.January, 1), Frequency("weekly")); err == nil {
		t.Error("expected error for unknown frequency")
	}
}

func TestPointsExpiryDate(t *testing.T) {
	// Fixed +18 months offset.
	got := PointsExpiryDate(date(2025, time.January, 15))
	if want := date(2026, time.July, 15); !got.Equal(want) {
		t.Errorf("PointsExpiryDate = %s, want %s", got, want)
	}

	// Month-end clamp applies here too: Aug 31 + 18 months = Feb 28.
	got = PointsExpiryDate(date(2025, time.August, 31))
	if want := date(2027, time.February, 28); !got.Equal(want) {
		t.Errorf("PointsExpiryDate = %s, want %s", got, want)
	}
}
