// Package query turns raw request query strings into typed pagination
// parameters. Values are coerced, never rejected.
package query

import (
	"math"
	"net/url"
	"strings"
)

const (
	ParamSource = "source"
	ParamOffset = "offset"
	ParamNumber = "number"

	// AllSources selects every registered feed.
	AllSources = "all"

	DefaultOffset = 0
	DefaultNumber = 10
)

// Params are the three recognized query parameters after coercion.
type Params struct {
	Source string
	Offset int
	Number int
}

// Defaults returns the parameters used when a query carries none.
func Defaults() Params {
	return Params{Source: AllSources, Offset: DefaultOffset, Number: DefaultNumber}
}

// IsAll reports whether p asks for the aggregate of every feed.
func (p Params) IsAll() bool {
	return p.Source == AllSources
}

type param struct {
	name  string
	apply func(p *Params, raw string)
}

// params is the declared parameter table. Each entry owns its coercion.
var params = []param{
	{ParamSource, func(p *Params, raw string) { p.Source = parseString(raw) }},
	{ParamOffset, func(p *Params, raw string) { p.Offset = parseIntOrZero(raw) }},
	{ParamNumber, func(p *Params, raw string) { p.Number = parseIntOrZero(raw) }},
}

// Lookup returns a raw parameter value and whether it was present.
type Lookup func(name string) (string, bool)

// Parse builds Params from lookup. Absent parameters keep their default.
func Parse(lookup Lookup) Params {
	p := Defaults()
	for _, d := range params {
		raw, ok := lookup(d.name)
		if !ok {
			continue
		}
		d.apply(&p, raw)
	}
	return p
}

// FromValues parses a url.Values query.
func FromValues(v url.Values) Params {
	return Parse(func(name string) (string, bool) {
		vals, ok := v[name]
		if !ok || len(vals) == 0 {
			return "", false
		}
		return vals[0], true
	})
}

func parseString(raw string) string {
	return raw
}

// parseIntOrZero parses the leading integer of raw: optional whitespace,
// optional sign, then digits. Anything else yields 0. Values that overflow
// saturate at the int bounds.
func parseIntOrZero(raw string) int {
	s := strings.TrimLeft(raw, " \t\n\r\v\f")
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}

	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		d := int(c - '0')
		if n > (math.MaxInt-d)/10 {
			if neg {
				return math.MinInt
			}
			return math.MaxInt
		}
		n = n*10 + d
	}
	if neg {
		return -n
	}
	return n
}
