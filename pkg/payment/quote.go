package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/dileet/ecco-sub003/pkg/errorir"
)

// PricingModel says how a quoted job will be billed.
type PricingModel string

const (
	PricingFixed     PricingModel = "fixed"
	PricingStreaming PricingModel = "streaming"
	PricingEscrow    PricingModel = "escrow"
)

// QuoteRequest asks a provider to price a job before it is dispatched.
type QuoteRequest struct {
	ID              string `json:"id"`
	JobID           string `json:"job_id"`
	CapabilityType  string `json:"capability_type"`
	CapabilityName  string `json:"capability_name"`
	EstimatedTokens int64  `json:"estimated_tokens,omitempty"`
	ChainID         int64  `json:"chain_id"`
	Token           string `json:"token"`
	// Payer is the requester's wallet address. ApproverKey lets the provider
	// check escrow approvals signed by the requester.
	Payer       string `json:"payer,omitempty"`
	ApproverKey string `json:"approver_key,omitempty"`
}

func CreateQuoteRequest(jobID, capType, capName string, chainID int64, token string, estimatedTokens int64) (QuoteRequest, error) {
	if jobID == "" || capName == "" || token == "" {
		return QuoteRequest{}, errorir.Malformed("quote request requires job id, capability and token")
	}
	if estimatedTokens < 0 {
		return QuoteRequest{}, errorir.Malformed("estimated tokens must not be negative")
	}
	return QuoteRequest{
		ID:              uuid.NewString(),
		JobID:           jobID,
		CapabilityType:  capType,
		CapabilityName:  capName,
		EstimatedTokens: estimatedTokens,
		ChainID:         chainID,
		Token:           token,
	}, nil
}

// Quote is a provider's price for a QuoteRequest.
type Quote struct {
	ID           string       `json:"id"`
	RequestID    string       `json:"request_id"`
	JobID        string       `json:"job_id"`
	Model        PricingModel `json:"model"`
	Amount       Money        `json:"amount"`
	RatePerToken *Money       `json:"rate_per_token,omitempty"`
	Recipient    string       `json:"recipient"`
	ValidUntil   time.Time    `json:"valid_until"`
	// Escrow holds the locked terms of an escrow quote.
	Escrow *EscrowAgreement `json:"escrow,omitempty"`
}

// CreateQuote prices req. Streaming quotes carry a per-token rate and an
// amount estimated from the request's token count.
func CreateQuote(req QuoteRequest, model PricingModel, price Money, recipient string, validFor time.Duration, now time.Time) (Quote, error) {
	if price.Currency != req.Token {
		return Quote{}, errorir.Malformed("quote token %s does not match requested %s", price.Currency, req.Token)
	}
	if price.IsNegative() {
		return Quote{}, errorir.Malformed("quote price must not be negative")
	}
	q := Quote{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		JobID:      req.JobID,
		Model:      model,
		Amount:     price,
		Recipient:  recipient,
		ValidUntil: now.Add(validFor).UTC(),
	}
	switch model {
	case PricingStreaming:
		rate := price
		q.RatePerToken = &rate
		q.Amount = price.MulInt(req.EstimatedTokens)
	case PricingFixed, PricingEscrow:
	default:
		return Quote{}, errorir.Malformed("unknown pricing model %q", model)
	}
	return q, nil
}

// Expired reports whether the quote can no longer be accepted.
func (q Quote) Expired(now time.Time) bool { return now.After(q.ValidUntil) }
