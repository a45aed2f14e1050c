package payment

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// DefaultScale is the number of decimal places for native chain tokens.
const DefaultScale = 18

// stablecoins settle with six decimal places.
var stablecoins = map[string]bool{"USDC": true, "USDT": true}

// ScaleFor returns the decimal scale used for token.
func ScaleFor(token string) int {
	if stablecoins[strings.ToUpper(token)] {
		return 6
	}
	return DefaultScale
}

// Money is an exact token amount held as minor units at a fixed scale.
// Values are immutable; every operation returns a fresh Money.
type Money struct {
	minor    *big.Int
	Currency string
	Scale    int
}

// NewMoney builds an amount from minor units.
func NewMoney(minor int64, currency string) Money {
	return Money{minor: big.NewInt(minor), Currency: currency, Scale: ScaleFor(currency)}
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money { return NewMoney(0, currency) }

// ParseMoney parses a decimal string such as "0.0001" into currency's scale.
// Digits beyond the scale are rejected rather than rounded.
func ParseMoney(amount, currency string) (Money, error) {
	scale := ScaleFor(currency)
	s := strings.TrimSpace(amount)
	if s == "" {
		return Money{}, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > scale {
		if strings.TrimRight(frac[scale:], "0") != "" {
			return Money{}, fmt.Errorf("amount %q exceeds %d decimal places for %s", amount, scale, currency)
		}
		frac = frac[:scale]
	}
	digits := whole + frac + strings.Repeat("0", scale-len(frac))
	minor, ok := new(big.Int).SetString(digits, 10)
	if !ok || strings.ContainsAny(digits, "+-") {
		return Money{}, fmt.Errorf("invalid amount %q", amount)
	}
	if neg {
		minor.Neg(minor)
	}
	return Money{minor: minor, Currency: currency, Scale: scale}, nil
}

// MustParseMoney is ParseMoney for constants; it panics on error.
func MustParseMoney(amount, currency string) Money {
	m, err := ParseMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) value() *big.Int {
	if m.minor == nil {
		return new(big.Int)
	}
	return m.minor
}

// Minor returns a copy of the amount in minor units.
func (m Money) Minor() *big.Int { return new(big.Int).Set(m.value()) }

func (m Money) compatible(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return nil
}

func (m Money) Add(other Money) (Money, error) {
	if err := m.compatible(other); err != nil {
		return Money{}, err
	}
	return Money{minor: new(big.Int).Add(m.value(), other.value()), Currency: m.Currency, Scale: m.Scale}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if err := m.compatible(other); err != nil {
		return Money{}, err
	}
	return Money{minor: new(big.Int).Sub(m.value(), other.value()), Currency: m.Currency, Scale: m.Scale}, nil
}

// MulInt multiplies by a unit count, e.g. a per-token rate by tokens generated.
func (m Money) MulInt(n int64) Money {
	return Money{minor: new(big.Int).Mul(m.value(), big.NewInt(n)), Currency: m.Currency, Scale: m.Scale}
}

// Cmp compares two amounts of the same currency.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.compatible(other); err != nil {
		return 0, err
	}
	return m.value().Cmp(other.value()), nil
}

// Equal reports whether both amounts have the same currency, scale and value.
func (m Money) Equal(other Money) bool {
	c, err := m.Cmp(other)
	return err == nil && c == 0
}

func (m Money) IsZero() bool     { return m.value().Sign() == 0 }
func (m Money) IsPositive() bool { return m.value().Sign() > 0 }
func (m Money) IsNegative() bool { return m.value().Sign() < 0 }

// Decimal renders the amount without currency, trimming trailing zeros.
func (m Money) Decimal() string {
	v := m.value()
	abs := new(big.Int).Abs(v).String()
	if m.Scale > 0 {
		if len(abs) <= m.Scale {
			abs = strings.Repeat("0", m.Scale-len(abs)+1) + abs
		}
		whole, frac := abs[:len(abs)-m.Scale], strings.TrimRight(abs[len(abs)-m.Scale:], "0")
		abs = whole
		if frac != "" {
			abs += "." + frac
		}
	}
	if v.Sign() < 0 {
		return "-" + abs
	}
	return abs
}

func (m Money) String() string { return m.Decimal() + " " + m.Currency }

type moneyJSON struct {
	AmountMinor string `json:"amount_minor"`
	Currency    string `json:"currency"`
	Scale       int    `json:"scale"`
}

// MarshalJSON encodes minor units as a decimal string so 18-digit amounts
// survive JSON number handling in other runtimes.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{AmountMinor: m.value().String(), Currency: m.Currency, Scale: m.Scale})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	minor, ok := new(big.Int).SetString(raw.AmountMinor, 10)
	if !ok {
		return fmt.Errorf("invalid amount_minor %q", raw.AmountMinor)
	}
	m.minor, m.Currency, m.Scale = minor, raw.Currency, raw.Scale
	return nil
}
