package payment

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dileet/ecco-sub003/pkg/errorir"
)

// ApprovalTTL bounds how long a signed escrow approval stays valid.
const ApprovalTTL = 5 * time.Minute

// EscrowApproval authorizes release of one milestone. Token is a compact
// JWT signed by the approver with EdDSA.
type EscrowApproval struct {
	AgreementID string `json:"agreement_id"`
	MilestoneID string `json:"milestone_id"`
	Approver    string `json:"approver"`
	Token       string `json:"token"`
}

type approvalClaims struct {
	jwt.RegisteredClaims
	MilestoneID string `json:"milestone_id"`
}

// SignEscrowApproval issues an approval for milestoneID as the agreement's approver.
func SignEscrowApproval(a EscrowAgreement, milestoneID string, key ed25519.PrivateKey, now time.Time) (EscrowApproval, error) {
	if _, ok := a.Milestone(milestoneID); !ok {
		return EscrowApproval{}, errorir.NotFound("milestone %s in escrow %s", milestoneID, a.ID)
	}
	approver := a.Approver
	if !a.RequiresApproval {
		approver = a.Payer
	}
	claims := approvalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    approver,
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ApprovalTTL)),
		},
		MilestoneID: milestoneID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return EscrowApproval{}, fmt.Errorf("sign escrow approval: %w", err)
	}
	return EscrowApproval{AgreementID: a.ID, MilestoneID: milestoneID, Approver: approver, Token: signed}, nil
}

// VerifyEscrowApproval checks the approval signature against the approver's
// public key and that its claims name this agreement, milestone and an
// authorized caller. It returns the caller to pass to ReleaseEscrowMilestone.
func VerifyEscrowApproval(a EscrowAgreement, ap EscrowApproval, pub ed25519.PublicKey, now time.Time) (string, error) {
	claims := &approvalClaims{}
	token, err := jwt.ParseWithClaims(ap.Token, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !token.Valid {
		return "", errorir.Wrap(errorir.ErrUnauthorized, err, "escrow approval for %s", a.ID)
	}
	switch {
	case claims.Subject != a.ID || ap.AgreementID != a.ID:
		return "", errorir.Unauthorized("approval is for escrow %s, not %s", claims.Subject, a.ID)
	case claims.MilestoneID != ap.MilestoneID:
		return "", errorir.Unauthorized("approval milestone mismatch")
	case !a.Authorizes(claims.Issuer):
		return "", errorir.Unauthorized("%s may not approve escrow %s", claims.Issuer, a.ID)
	}
	return claims.Issuer, nil
}

// EncodeApproverKey renders an approver's public key for EscrowParams and
// quote requests.
func EncodeApproverKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodeApproverKey parses a key produced by EncodeApproverKey.
func DecodeApproverKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errorir.Wrap(errorir.ErrMalformed, err, "approver key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errorir.Malformed("approver key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
