package postgres

import (
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
)

// NUMERIC columns are written as decimal text with a ::numeric cast and read
// back with ::text, so no precision is lost on 256-bit amounts.

func parseAmount(col, s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("postgres: parse %s %q: %w", col, s, err)
	}
	return *v, nil
}

func parseBps(col, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse %s %q: %w", col, s, err)
	}
	return v, nil
}

func bps(v uint64) string {
	return strconv.FormatUint(v, 10)
}
