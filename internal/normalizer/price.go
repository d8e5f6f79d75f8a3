// internal/normalizer/price.go
package normalizer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Price is a parsed price expression. Min and Max are either both set or
// both absent, and Min <= Max.
type Price struct {
	Currency string
	Min      decimal.NullDecimal
	Max      decimal.NullDecimal
	Unit     string
}

var (
	amountPattern = regexp.MustCompile(`\d(?:[\d.,]*\d)?`)
	percentAfter  = regexp.MustCompile(`^\s*%`)
	isoBefore     = regexp.MustCompile(`\b([A-Z]{3})\s*$`)
	isoAfter      = regexp.MustCompile(`^\s*([A-Z]{3})\b`)

	// 1,200 / 1,200.50 and 1.200 / 1.200,50
	commaGrouped = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
	dotGrouped   = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?$`)
	commaDecimal = regexp.MustCompile(`^\d+,\d{1,2}$`)
	dotDecimal   = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	isoPattern    = regexp.MustCompile(`\b[A-Z]{3}\b`)
	perUnit       = regexp.MustCompile(`(?i)(?:/|\bper\b)\s*(?:\d+\s*)?([\p{L}][\p{L} .]*)$`)
	quantityUnit  = regexp.MustCompile(`\d[\d,]*\s*([\p{L}]+)`)
	integerAmount = regexp.MustCompile(`\d[\d,]*`)

	// prices above decimal(12,2) cannot be stored
	maxAmount = decimal.New(1, 10)
)

// Checked in order: the multi-character forms must win over bare symbols.
var currencySymbols = []struct {
	token string
	code  string
}{
	{"US$", "USD"},
	{"US $", "USD"},
	{"CA$", "CAD"},
	{"AU$", "AUD"},
	{"HK$", "HKD"},
	{"CN¥", "CNY"},
	{"JP¥", "JPY"},
	{"RMB", "CNY"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "CNY"},
	{"₹", "INR"},
	{"₩", "KRW"},
	{"$", "USD"},
}

// Phrases that mean the site withholds the price. They are not anomalies.
var noPricePhrases = []string{
	"contact", "negotiable", "inquire", "enquire", "on request", "request a quote",
	"get a quote", "get latest price", "call for", "login", "log in", "sign in",
}

// ParsePrice reads expressions like "$10–$20", "¥500" or
// "US $1,200 - 1,500 / Piece". Text without an amount yields an empty
// Price; it is an anomaly unless it is a known "ask the seller" phrase.
func ParsePrice(raw string) (Price, *ParseAnomaly) {
	text := clean(raw)
	if text == "" {
		return Price{}, nil
	}

	var p Price
	amountPart := text
	if loc := perUnit.FindStringSubmatchIndex(text); loc != nil {
		p.Unit = strings.Trim(text[loc[2]:loc[3]], " .")
		amountPart = text[:loc[0]]
	}
	p.Currency = detectCurrency(amountPart)

	tokens := amountTokens(amountPart)
	if len(tokens) == 0 {
		if withheld(text) {
			return Price{Currency: p.Currency}, nil
		}
		return Price{Currency: p.Currency, Unit: p.Unit}, &ParseAnomaly{Field: "price", Value: raw, Reason: "no amount found"}
	}

	amounts, ok := readAmounts(tokens)
	if !ok {
		return Price{Currency: p.Currency, Unit: p.Unit}, &ParseAnomaly{Field: "price", Value: raw, Reason: "ambiguous amount format"}
	}
	if len(amounts) > 2 {
		amounts = amounts[:2]
	}

	lo, hi := amounts[0], amounts[len(amounts)-1]
	var anomaly *ParseAnomaly
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
		anomaly = &ParseAnomaly{Field: "price", Value: raw, Reason: "range reversed"}
	}
	if hi.GreaterThanOrEqual(maxAmount) {
		return Price{Currency: p.Currency, Unit: p.Unit}, &ParseAnomaly{Field: "price", Value: raw, Reason: "amount out of range"}
	}

	p.Min = decimal.NewNullDecimal(lo)
	p.Max = decimal.NewNullDecimal(hi)
	return p, anomaly
}

// amountTokens returns the numeric runs of text that can be prices.
// Percentages are skipped, and when some number sits next to a currency
// marker everything before the first such number is dropped, so "5% off:
// $100" and "Buy 3 for $25" read as a single amount.
func amountTokens(text string) []string {
	var (
		tokens []string
		first  = -1
	)
	for _, loc := range amountPattern.FindAllStringIndex(text, -1) {
		if percentAfter.MatchString(text[loc[1]:]) {
			continue
		}
		if first < 0 && nextToCurrency(text[:loc[0]], text[loc[1]:]) {
			first = len(tokens)
		}
		tokens = append(tokens, text[loc[0]:loc[1]])
	}
	if first > 0 {
		tokens = tokens[first:]
	}
	return tokens
}

func nextToCurrency(before, after string) bool {
	trimmedBefore := strings.TrimRight(before, " ")
	trimmedAfter := strings.TrimLeft(after, " ")
	for _, sym := range currencySymbols {
		if strings.HasSuffix(trimmedBefore, sym.token) || strings.HasPrefix(trimmedAfter, sym.token) {
			return true
		}
	}
	if m := isoBefore.FindStringSubmatch(before); m != nil {
		if _, ok := isoCode(m[1]); ok {
			return true
		}
	}
	if m := isoAfter.FindStringSubmatch(after); m != nil {
		if _, ok := isoCode(m[1]); ok {
			return true
		}
	}
	return false
}

type amountStyle int

const (
	styleEither amountStyle = iota
	styleCommaThousands
	styleDotThousands
)

// readAmounts reads every token under one separator convention. A text
// mixing "1,200.50" with "1.500,00", or a token fitting neither, is rejected.
func readAmounts(tokens []string) ([]decimal.Decimal, bool) {
	style := styleEither
	for _, tok := range tokens {
		s, ok := tokenStyle(tok)
		if !ok {
			return nil, false
		}
		if s == styleEither {
			continue
		}
		if style != styleEither && style != s {
			return nil, false
		}
		style = s
	}

	out := make([]decimal.Decimal, 0, len(tokens))
	for _, tok := range tokens {
		plain := tok
		switch {
		case style == styleDotThousands:
			if strings.Contains(plain, ".") && !dotGrouped.MatchString(plain) {
				return nil, false
			}
			plain = strings.ReplaceAll(plain, ".", "")
			plain = strings.Replace(plain, ",", ".", 1)
		default:
			plain = strings.ReplaceAll(plain, ",", "")
		}
		d, err := decimal.NewFromString(plain)
		if err != nil {
			return nil, false
		}
		out = append(out, d.Round(2))
	}
	return out, true
}

// tokenStyle reports which convention a single token commits to. "1.200"
// alone stays styleEither and reads as a decimal unless another token in
// the same text settles on dot thousands.
func tokenStyle(tok string) (amountStyle, bool) {
	hasComma := strings.Contains(tok, ",")
	hasDot := strings.Contains(tok, ".")
	switch {
	case !hasComma && strings.Count(tok, ".") > 1:
		return styleDotThousands, dotGrouped.MatchString(tok)
	case !hasComma:
		return styleEither, dotDecimal.MatchString(tok)
	case hasDot && strings.LastIndex(tok, ",") > strings.LastIndex(tok, "."):
		return styleDotThousands, dotGrouped.MatchString(tok)
	case commaGrouped.MatchString(tok):
		return styleCommaThousands, true
	case !hasDot && commaDecimal.MatchString(tok):
		return styleDotThousands, true
	default:
		return styleEither, false
	}
}

func detectCurrency(text string) string {
	for _, m := range isoPattern.FindAllString(text, -1) {
		if code, ok := isoCode(m); ok {
			return code
		}
	}
	for _, s := range currencySymbols {
		if strings.Contains(text, s.token) {
			return s.code
		}
	}
	return ""
}

func isoCode(s string) (string, bool) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return "", false
	}
	return unit.String(), true
}

func withheld(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range noPricePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ParseMinOrderQuantity takes the first positive integer of texts like
// "2 Units (Min. Order)" or "Min. order 10 boxes".
func ParseMinOrderQuantity(raw string) (*int, *ParseAnomaly) {
	text := clean(raw)
	if text == "" {
		return nil, nil
	}
	for _, m := range integerAmount.FindAllString(text, -1) {
		n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
		if err == nil && n > 0 {
			return &n, nil
		}
	}
	return nil, &ParseAnomaly{Field: "min_order_quantity", Value: raw, Reason: "no positive quantity"}
}

// UnitFromQuantity returns the word following the quantity, "Units" in
// "2 Units (Min. Order)".
func UnitFromQuantity(raw string) string {
	m := quantityUnit.FindStringSubmatch(clean(raw))
	if m == nil {
		return ""
	}
	return m[1]
}
