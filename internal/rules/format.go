package rules

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// FormatAmount renders an amount with thousands grouping and two decimals,
// e.g. 1,200,000.00.
func FormatAmount(d decimal.Decimal) string {
	d = d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	whole := d.Truncate(0)
	cents := d.Sub(whole).Shift(2).IntPart()
	return fmt.Sprintf("%s%s.%02d", sign, humanize.BigComma(whole.BigInt()), cents)
}

// FormatLimit renders a whole limit as a grouped integer (1,000,000) and a
// fractional one like an amount.
func FormatLimit(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return humanize.BigComma(d.BigInt())
	}
	return FormatAmount(d)
}

// FormatWindow renders an interval in the largest whole unit: "1 minute",
// "30 second".
func FormatWindow(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d minute", d/time.Minute)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d second", d/time.Second)
	default:
		return fmt.Sprintf("%d millisecond", d/time.Millisecond)
	}
}
