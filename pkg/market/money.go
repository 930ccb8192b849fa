package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	CopperPerSilver = 100
	CopperPerGold   = 100 * CopperPerSilver
)

// Gold converts a copper amount into gold as an exact decimal.
func Gold(copper int64) decimal.Decimal {
	return decimal.New(copper, 0).Div(decimal.New(CopperPerGold, 0))
}

// FormatMoney renders copper as "12g 34s 56c", omitting leading zero units.
func FormatMoney(copper int64) string {
	sign := ""
	if copper < 0 {
		sign = "-"
		copper = -copper
	}
	g := copper / CopperPerGold
	s := (copper % CopperPerGold) / CopperPerSilver
	c := copper % CopperPerSilver
	switch {
	case g > 0:
		return fmt.Sprintf("%s%dg %02ds %02dc", sign, g, s, c)
	case s > 0:
		return fmt.Sprintf("%s%ds %02dc", sign, s, c)
	default:
		return fmt.Sprintf("%s%dc", sign, c)
	}
}
