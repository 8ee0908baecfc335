// Package settlement resolves trade settlement dates on the exchange's
// business-day calendar, where Friday and Saturday are the weekend.
package settlement

import (
	"strings"
	"time"

	"github.com/eduintbd/eod-sub000/internal/model"
)

// CategoryZ settles one day later than the other categories.
const CategoryZ = "Z"

// IsWeekend reports whether d falls on a Friday or Saturday.
func IsWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Friday || wd == time.Saturday
}

// AddBusinessDays walks forward one calendar day at a time, counting only
// non-weekend days, until n business days have been counted.
func AddBusinessDays(d time.Time, n int) time.Time {
	day := model.DateOf(d)
	for counted := 0; counted < n; {
		day = day.AddDate(0, 0, 1)
		if !IsWeekend(day) {
			counted++
		}
	}
	return day
}

// Cycle returns the number of business days between trade and settlement.
func Cycle(category string, side model.Side, spot bool) int {
	switch {
	case spot && side == model.SideSell:
		return 0
	case spot:
		return 1
	case strings.EqualFold(strings.TrimSpace(category), CategoryZ):
		return 3
	default:
		return 2
	}
}

// Date returns the settlement date of a trade.
func Date(tradeDate time.Time, category string, side model.Side, spot bool) time.Time {
	return AddBusinessDays(tradeDate, Cycle(category, side, spot))
}
