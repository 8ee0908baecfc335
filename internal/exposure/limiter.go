// Package exposure enforces the regulatory limits on margin lending: a
// single-client loan limit tied to the broker's core capital, and a
// concentration limit on the share of total margin loan financed against
// any one security.
package exposure

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrClientLimitExceeded is returned when a client's margin loan is above
// the single-client limit.
var ErrClientLimitExceeded = errors.New("exposure: single-client margin loan limit exceeded")

// Limiter holds the exposure limits.
type Limiter struct {
	// ClientLimitPct is the fraction of core capital one client may borrow.
	ClientLimitPct decimal.Decimal

	// ClientCap is the absolute ceiling on one client's loan.
	ClientCap decimal.Decimal

	// ConcentrationPct is the maximum fraction of total outstanding margin
	// loan that may be attributed to a single security.
	ConcentrationPct decimal.Decimal
}

// NewLimiter creates a limiter with the given limits.
func NewLimiter(clientLimitPct, clientCap, concentrationPct decimal.Decimal) *Limiter {
	return &Limiter{
		ClientLimitPct:   clientLimitPct,
		ClientCap:        clientCap,
		ConcentrationPct: concentrationPct,
	}
}

// ClientLimit returns min(coreCapital × ClientLimitPct, ClientCap). When core
// capital is not configured the absolute cap applies alone.
func (l *Limiter) ClientLimit(coreCapital decimal.Decimal) decimal.Decimal {
	if !coreCapital.IsPositive() {
		return l.ClientCap
	}
	return decimal.Min(coreCapital.Mul(l.ClientLimitPct), l.ClientCap)
}

// CheckClient returns ErrClientLimitExceeded if loan is above the client limit.
func (l *Limiter) CheckClient(loan, coreCapital decimal.Decimal) error {
	if loan.GreaterThan(l.ClientLimit(coreCapital)) {
		return ErrClientLimitExceeded
	}
	return nil
}

// ClientExposure is one margin client's loan and the market value of each
// security the client holds.
type ClientExposure struct {
	ClientID string
	Loan     decimal.Decimal
	Values   map[string]decimal.Decimal // security ID → market value
}

// Breach describes a security whose attributed loan is above the
// concentration limit.
type Breach struct {
	SecurityID     string          `json:"security_id"`
	AttributedLoan decimal.Decimal `json:"attributed_loan"`
	TotalLoan      decimal.Decimal `json:"total_loan"`
	Share          decimal.Decimal `json:"share"`
	Clients        []string        `json:"clients"`
}

// Concentration attributes each client's loan across the securities the
// client holds, in proportion to each holding's share of the client's
// portfolio value, sums the attributed loan per security across all
// clients, and reports every security whose sum exceeds ConcentrationPct of
// the total outstanding loan.
func (l *Limiter) Concentration(exposures []ClientExposure) []Breach {
	totalLoan := decimal.Zero
	attributed := make(map[string]decimal.Decimal)
	holders := make(map[string][]string)

	for _, ce := range exposures {
		if !ce.Loan.IsPositive() {
			continue
		}
		totalLoan = totalLoan.Add(ce.Loan)

		portfolio := decimal.Zero
		for _, v := range ce.Values {
			portfolio = portfolio.Add(v)
		}
		if !portfolio.IsPositive() {
			continue
		}

		for secID, v := range ce.Values {
			if !v.IsPositive() {
				continue
			}
			share := ce.Loan.Mul(v).Div(portfolio)
			attributed[secID] = attributed[secID].Add(share)
			holders[secID] = append(holders[secID], ce.ClientID)
		}
	}

	if !totalLoan.IsPositive() {
		return nil
	}

	limit := totalLoan.Mul(l.ConcentrationPct)
	var breaches []Breach
	for secID, loan := range attributed {
		if !loan.GreaterThan(limit) {
			continue
		}
		clients := holders[secID]
		sort.Strings(clients)
		breaches = append(breaches, Breach{
			SecurityID:     secID,
			AttributedLoan: loan.Round(2),
			TotalLoan:      totalLoan.Round(2),
			Share:          loan.Div(totalLoan).Round(4),
			Clients:        clients,
		})
	}
	sort.Slice(breaches, func(i, j int) bool {
		return breaches[i].SecurityID < breaches[j].SecurityID
	})
	return breaches
}
