// Package proof implements the endpoint-ownership digest from spec §4.1:
// a deterministic, side-effect-free binding between an operator wallet, an
// endpoint URL, and a nonce. The hashing primitive mirrors the teacher's
// internal/voucher keccak256 usage, without the EIP-712 domain/struct-hash
// wrapping — the spec calls for a flat digest, not a typed-data signature.
package proof

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Reason enumerates the failure modes from spec §4.1.
type Reason string

const (
	ReasonMissingProof          Reason = "MISSING_PROOF"
	ReasonExtraProof            Reason = "EXTRA_PROOF"
	ReasonInvalidEndpointDigest Reason = "INVALID_ENDPOINT_DIGEST"
)

// Error wraps a verification failure with its reason and offending endpoint.
type Error struct {
	Reason   Reason
	Endpoint string
}

func (e *Error) Error() string {
	if e.Endpoint == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Endpoint
}

// EndpointProof is the {endpoint, nonce, digest} record from spec §3.
type EndpointProof struct {
	Endpoint string
	Nonce    string
	Digest   string
}

// Normalize lowercases an endpoint URL and strips a single trailing slash.
func Normalize(endpoint string) string {
	e := strings.ToLower(strings.TrimSpace(endpoint))
	return strings.TrimSuffix(e, "/")
}

// Digest computes the 64-hex digest for one (endpoint, operator, nonce)
// tuple: keccak256(normalize(endpoint) + "|" + lower(operator) + "|" + nonce).
func Digest(endpoint, operator, nonce string) string {
	tuple := Normalize(endpoint) + "|" + strings.ToLower(operator) + "|" + nonce
	sum := crypto.Keccak256([]byte(tuple))
	return hex.EncodeToString(sum)
}

// VerifySet checks spec §4.1's invariant set: every endpoint has exactly
// one matching proof, and every digest recomputes correctly. Pure and
// side-effect-free.
func VerifySet(operator string, endpoints []string, proofs []EndpointProof) error {
	byEndpoint := make(map[string]EndpointProof, len(proofs))
	for _, p := range proofs {
		key := Normalize(p.Endpoint)
		if _, dup := byEndpoint[key]; dup {
			return &Error{Reason: ReasonExtraProof, Endpoint: p.Endpoint}
		}
		byEndpoint[key] = p
	}

	seen := make(map[string]bool, len(endpoints))
	for _, endpoint := range endpoints {
		key := Normalize(endpoint)
		seen[key] = true
		p, ok := byEndpoint[key]
		if !ok {
			return &Error{Reason: ReasonMissingProof, Endpoint: endpoint}
		}
		want := Digest(endpoint, operator, p.Nonce)
		if !strings.EqualFold(want, p.Digest) {
			return &Error{Reason: ReasonInvalidEndpointDigest, Endpoint: endpoint}
		}
	}

	for key, p := range byEndpoint {
		if !seen[key] {
			return &Error{Reason: ReasonExtraProof, Endpoint: p.Endpoint}
		}
	}
	return nil
}
