// Package billing runs the payment protocol for a live node. A Cashier
// prices capabilities, meters served jobs and accepts payment proofs. A
// Payer agrees terms before dispatch and settles invoices up to a spending
// cap, through the settlement engine when the job was metered or escrowed.
package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/payment"
)

// Capability metadata keys read by PriceOf.
const (
	MetaPrice      = "price"      // decimal string; per token when pricing is streaming
	MetaToken      = "token"      // e.g. ETH, USDC
	MetaPricing    = "pricing"    // fixed (default), streaming or escrow
	MetaMilestones = "milestones" // escrow only: comma-separated amounts summing to price
)

// Price is what a capability costs.
type Price struct {
	Model      payment.PricingModel
	Amount     payment.Money
	Milestones []payment.Money // escrow split; one milestone when unset
}

// PriceOf reads the price a capability declares. ok is false for free
// capabilities, which carry no price metadata.
func PriceOf(c mesh.Capability) (Price, bool, error) {
	raw, ok := c.Metadata[MetaPrice]
	if !ok {
		return Price{}, false, nil
	}
	token, _ := c.Metadata[MetaToken].(string)
	if token == "" {
		return Price{}, false, errorir.Malformed("capability %s declares a price without a token", c.Key())
	}
	amount, err := payment.ParseMoney(fmt.Sprint(raw), strings.ToUpper(token))
	if err != nil {
		return Price{}, false, fmt.Errorf("capability %s price: %w", c.Key(), err)
	}
	model := payment.PricingFixed
	if m, _ := c.Metadata[MetaPricing].(string); m != "" {
		model = payment.PricingModel(m)
	}
	p := Price{Model: model, Amount: amount}
	switch model {
	case payment.PricingFixed, payment.PricingStreaming:
	case payment.PricingEscrow:
		if p.Milestones, err = milestones(c, amount); err != nil {
			return Price{}, false, err
		}
	default:
		return Price{}, false, errorir.Malformed("capability %s: unknown pricing %q", c.Key(), model)
	}
	return p, true, nil
}

func milestones(c mesh.Capability, total payment.Money) ([]payment.Money, error) {
	raw, _ := c.Metadata[MetaMilestones].(string)
	if strings.TrimSpace(raw) == "" {
		return []payment.Money{total}, nil
	}
	var (
		out []payment.Money
		sum = payment.Zero(total.Currency)
	)
	for _, part := range strings.Split(raw, ",") {
		m, err := payment.ParseMoney(strings.TrimSpace(part), total.Currency)
		if err != nil {
			return nil, fmt.Errorf("capability %s milestone: %w", c.Key(), err)
		}
		if !m.IsPositive() {
			return nil, errorir.Malformed("capability %s: milestone %s must be positive", c.Key(), m)
		}
		if sum, err = sum.Add(m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if !sum.Equal(total) {
		return nil, errorir.Malformed("capability %s: milestones sum to %s, price is %s", c.Key(), sum, total)
	}
	return out, nil
}

// Charge is the amount owed for one job that produced units of output.
func (p Price) Charge(units int64) payment.Money {
	if p.Model == payment.PricingStreaming {
		return p.Amount.MulInt(units)
	}
	return p.Amount
}

// OutputUnits counts whitespace-separated tokens in a JSON output value.
// A JSON string is counted by its decoded words.
func OutputUnits(output []byte) int64 {
	s := strings.TrimSpace(string(output))
	var str string
	if json.Unmarshal([]byte(s), &str) == nil {
		s = str
	}
	return int64(len(strings.Fields(s)))
}
