package models

import (
	"fmt"
	"strings"
)

// Exchange segments accepted by the Integrate feed.
const (
	NSE = "NSE"
	BSE = "BSE"
	NFO = "NFO"
	BFO = "BFO"
	CDS = "CDS"
	MCX = "MCX"
)

var Exchanges = map[string]bool{
	NSE: true,
	BSE: true,
	NFO: true,
	BFO: true,
	CDS: true,
	MCX: true,
}

// SymbolKey identifies an instrument on the feed as "EXCHANGE|TOKEN".
type SymbolKey string

func NewSymbolKey(exchange, token string) SymbolKey {
	return SymbolKey(strings.ToUpper(exchange) + "|" + token)
}

// ParseSymbolKey validates s and returns it as a SymbolKey.
func ParseSymbolKey(s string) (SymbolKey, error) {
	exch, token, ok := strings.Cut(strings.TrimSpace(s), "|")
	if !ok || exch == "" || token == "" {
		return "", fmt.Errorf("symbol key %q: want EXCHANGE|TOKEN", s)
	}
	if !Exchanges[strings.ToUpper(exch)] {
		return "", fmt.Errorf("symbol key %q: unknown exchange %q", s, exch)
	}
	return NewSymbolKey(exch, token), nil
}

// ParseSymbolKeys parses a comma separated list, skipping blanks.
func ParseSymbolKeys(list string) ([]SymbolKey, error) {
	var keys []SymbolKey
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseSymbolKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (k SymbolKey) Exchange() string {
	exch, _, _ := strings.Cut(string(k), "|")
	return exch
}

func (k SymbolKey) Token() string {
	_, token, _ := strings.Cut(string(k), "|")
	return token
}

func (k SymbolKey) String() string { return string(k) }

// JoinSymbolKeys renders keys in the '#' separated form used by the "k" field.
func JoinSymbolKeys(keys []SymbolKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, "#")
}
