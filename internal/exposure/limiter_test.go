package exposure

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLimiter() *Limiter {
	// 15% of core capital, 10 crore cap, 15% concentration.
	return NewLimiter(d(0.15), d(100_000_000), d(0.15))
}

func TestClientLimit_CoreCapitalBinds(t *testing.T) {
	l := newTestLimiter()
	got := l.ClientLimit(d(200_000_000))
	if !got.Equal(d(30_000_000)) {
		t.Errorf("expected 30,000,000, got %s", got)
	}
}

func TestClientLimit_CapBinds(t *testing.T) {
	l := newTestLimiter()
	got := l.ClientLimit(d(2_000_000_000))
	if !got.Equal(d(100_000_000)) {
		t.Errorf("expected cap 100,000,000, got %s", got)
	}
}

func TestClientLimit_NoCoreCapital(t *testing.T) {
	l := newTestLimiter()
	if got := l.ClientLimit(decimal.Zero); !got.Equal(d(100_000_000)) {
		t.Errorf("expected cap when core capital unset, got %s", got)
	}
}

func TestCheckClient(t *testing.T) {
	l := newTestLimiter()
	if err := l.CheckClient(d(30_000_000), d(200_000_000)); err != nil {
		t.Errorf("loan at limit should pass, got %v", err)
	}
	if err := l.CheckClient(d(30_000_001), d(200_000_000)); err != ErrClientLimitExceeded {
		t.Errorf("expected ErrClientLimitExceeded, got %v", err)
	}
}

func TestConcentration_AttributesByValueShare(t *testing.T) {
	l := NewLimiter(d(0.15), d(100_000_000), d(0.5))

	exposures := []ClientExposure{
		{
			ClientID: "c1",
			Loan:     d(1000),
			Values:   map[string]decimal.Decimal{"GP": d(3000), "BATBC": d(1000)},
		},
		{
			ClientID: "c2",
			Loan:     d(1000),
			Values:   map[string]decimal.Decimal{"BATBC": d(500), "SQURPHARMA": d(500)},
		},
	}

	// Attributed: GP 750, BATBC 250 + 500 = 750, SQURPHARMA 500.
	// Total loan 2000, limit 1000: nothing breaches.
	if breaches := l.Concentration(exposures); len(breaches) != 0 {
		t.Fatalf("expected no breaches, got %+v", breaches)
	}

	// Tighten to 30% (limit 600): GP and BATBC breach.
	l.ConcentrationPct = d(0.3)
	breaches := l.Concentration(exposures)
	if len(breaches) != 2 {
		t.Fatalf("expected 2 breaches, got %+v", breaches)
	}
	if breaches[0].SecurityID != "BATBC" || breaches[1].SecurityID != "GP" {
		t.Errorf("unexpected breach order: %+v", breaches)
	}
	if !breaches[0].AttributedLoan.Equal(d(750)) {
		t.Errorf("expected BATBC attributed 750, got %s", breaches[0].AttributedLoan)
	}
	if len(breaches[0].Clients) != 2 || breaches[0].Clients[0] != "c1" || breaches[0].Clients[1] != "c2" {
		t.Errorf("expected both clients affected by BATBC, got %v", breaches[0].Clients)
	}
	if len(breaches[1].Clients) != 1 || breaches[1].Clients[0] != "c1" {
		t.Errorf("expected only c1 affected by GP, got %v", breaches[1].Clients)
	}
}

func TestConcentration_NoLoanNoBreach(t *testing.T) {
	l := newTestLimiter()
	exposures := []ClientExposure{
		{ClientID: "c1", Loan: decimal.Zero, Values: map[string]decimal.Decimal{"GP": d(1000)}},
	}
	if breaches := l.Concentration(exposures); breaches != nil {
		t.Errorf("expected nil, got %+v", breaches)
	}
}
