// internal/normalizer/rating.go
package normalizer

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var ratingPattern = regexp.MustCompile(`(-?\d+(?:[.,]\d+)?)\s*(%|(?:/|out of)\s*(\d+(?:[.,]\d+)?))?`)

var (
	ratingMax = decimal.NewFromInt(5)
	hundred   = decimal.NewFromInt(100)
)

// ParseRating reads "4.7", "4,7", "4.7/5", "9.4 out of 10" or "94%" onto a
// 0-5 scale. Anything else, or a value outside the scale, is discarded.
func ParseRating(raw string) (decimal.NullDecimal, *ParseAnomaly) {
	text := clean(raw)
	if text == "" {
		return decimal.NullDecimal{}, nil
	}

	m := ratingPattern.FindStringSubmatch(text)
	if m == nil {
		return decimal.NullDecimal{}, &ParseAnomaly{Field: "seller_rating", Value: raw, Reason: "not a number"}
	}
	value, err := decimal.NewFromString(decimalPoint(m[1]))
	if err != nil {
		return decimal.NullDecimal{}, &ParseAnomaly{Field: "seller_rating", Value: raw, Reason: "not a number"}
	}

	switch {
	case m[2] == "%":
		value = value.Div(hundred).Mul(ratingMax)
	case m[3] != "":
		scale, err := decimal.NewFromString(decimalPoint(m[3]))
		if err != nil || scale.IsZero() {
			return decimal.NullDecimal{}, &ParseAnomaly{Field: "seller_rating", Value: raw, Reason: "invalid scale"}
		}
		if !scale.Equal(ratingMax) {
			value = value.Div(scale).Mul(ratingMax)
		}
	}

	value = value.Round(2)
	if value.IsNegative() || value.GreaterThan(ratingMax) {
		return decimal.NullDecimal{}, &ParseAnomaly{Field: "seller_rating", Value: raw, Reason: "out of range"}
	}
	return decimal.NewNullDecimal(value), nil
}

func decimalPoint(s string) string {
	return strings.Replace(s, ",", ".", 1)
}
