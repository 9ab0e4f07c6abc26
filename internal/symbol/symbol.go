// Package symbol handles ticker symbol normalisation and validation for the
// instruments a paper portfolio can hold.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Instrument classes recognised from the ticker shape.
const (
	ClassEquity = "EQUITY"
	ClassPair   = "PAIR"
)

// quoteCurrencies are the suffixes that turn BASE-QUOTE into a currency pair
// rather than an equity share class.
var quoteCurrencies = map[string]bool{
	"USD":  true,
	"USDT": true,
	"USDC": true,
	"EUR":  true,
	"GBP":  true,
	"BTC":  true,
}

// tickerRegex matches: {root}[.-{suffix}]
// Examples: AAPL, BRK.B, BTC-USD
var tickerRegex = regexp.MustCompile(`^([A-Z0-9]{1,10})(?:[.\-]([A-Z0-9]{1,5}))?$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid ticker format")
	ErrEmptySymbol   = errors.New("symbol: ticker is empty")
)

// Symbol is a parsed, normalised ticker.
type Symbol struct {
	Ticker string `json:"ticker"`
	Root   string `json:"root"`
	Suffix string `json:"suffix,omitempty"`
	Class  string `json:"class"`
}

// Parse normalises and validates a ticker string.
// Format: {root}[.{shareClass}] or {base}-{quote}
func Parse(raw string) (*Symbol, error) {
	ticker := strings.ToUpper(strings.TrimSpace(raw))
	if ticker == "" {
		return nil, ErrEmptySymbol
	}

	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected ROOT, ROOT.CLASS or BASE-QUOTE)",
			ErrInvalidSymbol, raw)
	}

	root := matches[1]
	suffix := matches[2]
	class := ClassEquity
	if suffix != "" && strings.Contains(ticker, "-") && quoteCurrencies[suffix] {
		class = ClassPair
	}

	return &Symbol{
		Ticker: ticker,
		Root:   root,
		Suffix: suffix,
		Class:  class,
	}, nil
}

// Normalize returns the canonical ticker for raw, or an error if it is not a
// valid symbol.
func Normalize(raw string) (string, error) {
	s, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return s.Ticker, nil
}
