package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BuildOptionSymbol formats a contract identity into the broker's
// printable symbol: "UNDERLYING YYMMDD{C|P}STRIKE". Whole-dollar strikes
// are printed without a fraction, others with two decimals.
func BuildOptionSymbol(underlying string, expiration time.Time, typ OptionType, strike float64) string {
	strikeStr := strconv.FormatFloat(strike, 'f', 2, 64)
	if strike == float64(int64(strike)) {
		strikeStr = strconv.FormatInt(int64(strike), 10)
	}
	return fmt.Sprintf("%s %s%s%s", strings.ToUpper(underlying), expiration.Format("060102"), typ, strikeStr)
}

// ParseOptionSymbol is the inverse of BuildOptionSymbol. The expiration
// date is placed in the given location at midnight.
func ParseOptionSymbol(symbol string, loc *time.Location) (Contract, error) {
	parts := strings.Fields(symbol)
	if len(parts) != 2 {
		return Contract{}, fmt.Errorf("option symbol %q: want two space-separated parts", symbol)
	}

	tail := parts[1]
	if len(tail) < 8 {
		return Contract{}, fmt.Errorf("option symbol %q: tail too short", symbol)
	}

	exp, err := time.ParseInLocation("060102", tail[:6], loc)
	if err != nil {
		return Contract{}, fmt.Errorf("option symbol %q: bad expiration: %w", symbol, err)
	}

	typ := OptionType(tail[6:7])
	if !typ.Valid() {
		return Contract{}, fmt.Errorf("option symbol %q: bad option type %q", symbol, tail[6:7])
	}

	strike, err := strconv.ParseFloat(tail[7:], 64)
	if err != nil || strike <= 0 {
		return Contract{}, fmt.Errorf("option symbol %q: bad strike %q", symbol, tail[7:])
	}

	return Contract{
		Underlying: parts[0],
		Expiration: exp,
		Strike:     strike,
		Type:       typ,
		Symbol:     symbol,
	}, nil
}
