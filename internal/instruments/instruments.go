// Package instruments loads the static list of tracked instruments.
package instruments

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Instrument is one tracked symbol with its provider identifiers.
type Instrument struct {
	Symbol      string `yaml:"symbol" json:"symbol" validate:"required"`
	Name        string `yaml:"name" json:"name" validate:"required"`
	KrakenPair  string `yaml:"kraken_pair,omitempty" json:"krakenPair,omitempty"`
	CoinGeckoID string `yaml:"coingecko_id" json:"coingeckoId" validate:"required"`
}

type document struct {
	Instruments []Instrument `yaml:"instruments" validate:"required,min=1,unique=Symbol,dive"`
}

var validate = validator.New()

// Default returns the embedded instrument list.
func Default() ([]Instrument, error) {
	return Parse(defaultYAML)
}

// Load reads instruments from path, or the embedded list when path is empty.
func Load(path string) ([]Instrument, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	list, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}

// Parse decodes and validates a YAML document. Symbols are trimmed and
// upper-cased before uniqueness is checked.
func Parse(b []byte) ([]Instrument, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	for i := range doc.Instruments {
		in := &doc.Instruments[i]
		in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
		in.Name = strings.TrimSpace(in.Name)
		in.KrakenPair = strings.TrimSpace(in.KrakenPair)
		in.CoinGeckoID = strings.TrimSpace(in.CoinGeckoID)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid instruments: %w", err)
	}
	return doc.Instruments, nil
}

// Validate checks an in-memory list with the same rules as Parse.
func Validate(list []Instrument) error {
	if err := validate.Struct(document{Instruments: list}); err != nil {
		return fmt.Errorf("invalid instruments: %w", err)
	}
	return nil
}

// Select returns the instruments named by symbols, in the order given.
// Matching is case-insensitive; unknown symbols are an error.
func Select(all []Instrument, symbols []string) ([]Instrument, error) {
	bySymbol := make(map[string]Instrument, len(all))
	for _, in := range all {
		bySymbol[in.Symbol] = in
	}
	out := make([]Instrument, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	var unknown []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if seen[s] {
			continue
		}
		seen[s] = true
		in, ok := bySymbol[s]
		if !ok {
			unknown = append(unknown, s)
			continue
		}
		out = append(out, in)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown symbols: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// Symbols lists the symbols of list in order.
func Symbols(list []Instrument) []string {
	out := make([]string, len(list))
	for i, in := range list {
		out[i] = in.Symbol
	}
	return out
}
