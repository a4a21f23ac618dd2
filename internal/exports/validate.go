package exports

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AllowedColumns is the fixed allow-list of exportable user columns. The
// order here is the column order of a default (unrestricted) export.
var AllowedColumns = []string{
	"id",
	"name",
	"email",
	"signup_date",
	"country_code",
	"subscription_tier",
	"lifetime_value",
}

var allowedTiers = map[string]bool{
	"free":       true,
	"basic":      true,
	"premium":    true,
	"enterprise": true,
}

// RequestParams are the raw, unvalidated export parameters as received on
// the initiate endpoint. Empty strings mean the parameter was absent.
type RequestParams struct {
	CountryCode      string
	SubscriptionTier string
	MinLTV           string
	Columns          string // comma-separated
	Delimiter        string
	QuoteChar        string
}

// ParseSpec validates request parameters and produces a normalized Spec.
func ParseSpec(p RequestParams) (Spec, error) {
	var spec Spec

	if p.CountryCode != "" {
		if !validCountryCode(p.CountryCode) {
			return Spec{}, fmt.Errorf("country_code must be two uppercase ASCII letters, got %q", p.CountryCode)
		}
		spec.Filters.CountryCode = p.CountryCode
	}

	if p.SubscriptionTier != "" {
		if !allowedTiers[p.SubscriptionTier] {
			return Spec{}, fmt.Errorf("subscription_tier must be one of free, basic, premium, enterprise, got %q", p.SubscriptionTier)
		}
		spec.Filters.SubscriptionTier = p.SubscriptionTier
	}

	if p.MinLTV != "" {
		v, err := strconv.ParseFloat(p.MinLTV, 64)
		// ParseFloat accepts Inf and NaN spellings; neither is a usable
		// threshold (NaN compares false against everything in Postgres
		// except NaN itself).
		if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
			return Spec{}, fmt.Errorf("min_ltv must be a finite number, got %q", p.MinLTV)
		}
		if v < 0 {
			return Spec{}, fmt.Errorf("min_ltv must not be negative, got %s", p.MinLTV)
		}
		spec.Filters.MinLTV = &v
	}

	columns, err := parseColumns(p.Columns)
	if err != nil {
		return Spec{}, err
	}
	spec.Columns = columns

	dialect, err := parseDialect(p.Delimiter, p.QuoteChar)
	if err != nil {
		return Spec{}, err
	}
	spec.Dialect = dialect

	return spec, nil
}

func validCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

func parseColumns(raw string) ([]string, error) {
	if raw == "" {
		return append([]string(nil), AllowedColumns...), nil
	}

	allowed := make(map[string]bool, len(AllowedColumns))
	for _, c := range AllowedColumns {
		allowed[c] = true
	}

	seen := make(map[string]bool)
	var columns []string
	for _, part := range strings.Split(raw, ",") {
		col := strings.TrimSpace(part)
		if col == "" {
			return nil, fmt.Errorf("columns list contains an empty entry")
		}
		if !allowed[col] {
			return nil, fmt.Errorf("unknown column %q", col)
		}
		if seen[col] {
			return nil, fmt.Errorf("duplicate column %q", col)
		}
		seen[col] = true
		columns = append(columns, col)
	}
	return columns, nil
}

func parseDialect(delimiter, quote string) (Dialect, error) {
	d := Dialect{Delimiter: ',', Quote: '"'}

	if delimiter != "" {
		r, err := singleRune("delimiter", delimiter)
		if err != nil {
			return Dialect{}, err
		}
		d.Delimiter = r
	}
	if quote != "" {
		r, err := singleRune("quoteChar", quote)
		if err != nil {
			return Dialect{}, err
		}
		d.Quote = r
	}
	if err := d.Validate(); err != nil {
		return Dialect{}, err
	}
	return d, nil
}

func singleRune(name, value string) (rune, error) {
	runes := []rune(value)
	if len(runes) != 1 {
		return 0, fmt.Errorf("%s must be a single character, got %q", name, value)
	}
	return runes[0], nil
}
