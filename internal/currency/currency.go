package currency

import (
	"strings"

	"QuickCashEngine/internal/models"

	"github.com/shopspring/decimal"
)

type Currency struct {
	Code     string `yaml:"code"`
	Exponent int32  `yaml:"exponent"`
}

// Table is the set of currencies the engine accepts.
type Table struct {
	byCode map[string]Currency
}

var Defaults = []Currency{
	{Code: "CAD", Exponent: 2},
	{Code: "USD", Exponent: 2},
}

func NewTable(list []Currency) Table {
	if len(list) == 0 {
		list = Defaults
	}
	t := Table{byCode: make(map[string]Currency, len(list))}
	for _, c := range list {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if code == "" {
			continue
		}
		c.Code = code
		t.byCode[code] = c
	}
	return t
}

func (t Table) Lookup(code string) (Currency, bool) {
	c, ok := t.byCode[strings.ToUpper(code)]
	return c, ok
}

// Validate checks an amount in minor units against a currency code.
func (t Table) Validate(amount int64, code string) error {
	if amount <= 0 {
		return models.Invalid("amount", "must be positive")
	}
	if _, ok := t.Lookup(code); !ok {
		return models.Invalid("currency", "unknown currency "+code)
	}
	return nil
}

// MajorUnits renders minor units as a fixed-point major-unit string, e.g. 5000 CAD -> "50.00".
func (t Table) MajorUnits(amount int64, code string) string {
	c, ok := t.Lookup(code)
	if !ok {
		return decimal.NewFromInt(amount).String()
	}
	return decimal.New(amount, -c.Exponent).StringFixed(c.Exponent)
}
