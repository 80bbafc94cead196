package x402

import "time"

// Challenge is the X402Challenge record from spec §3/§4.8, issued when a
// billable request arrives without payment.
type Challenge struct {
	ChallengeID string    `json:"challenge_id"`
	RunID       string    `json:"run_id"`
	ContextHash string    `json:"context_hash"`
	MinAmount   string    `json:"min_amount"`
	Token       string    `json:"token"`
	Recipient   string    `json:"recipient"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RequestContext is the canonical tuple bound into a challenge's
// context_hash: method, path, hire_id, agent_id, action, operator_wallet,
// service_wallet, and an on-chain status snapshot. Any change to these
// fields between challenge issuance and retry invalidates the retry.
type RequestContext struct {
	Method             string
	Path               string
	HireID             string
	AgentID            string
	Action             string
	OperatorWallet     string
	ServiceWallet      string
	OnchainStatusSnapshot string
}

// PaymentPayload is the X402PaymentPayload a caller submits against an
// issued Challenge. TongoAddress, Nonce, and ExpiresAt feed the intent-hash
// tuple a tongo_attestation_v1 proof envelope must rebind to (spec §3's
// "Intent hash" invariant), so a proof lifted from one payment can never be
// replayed against another.
type PaymentPayload struct {
	Version      int       `json:"version"`
	Scheme       string    `json:"scheme"`
	ChallengeID  string    `json:"challenge_id"`
	ReplayKey    string    `json:"replay_key"`
	ContextHash  string    `json:"context_hash"`
	Amount       string    `json:"amount"`
	Token        string    `json:"token"`
	TongoAddress string    `json:"tongo_address"`
	TongoProof   string    `json:"tongo_proof"`
	Nonce        string    `json:"nonce"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TongoEnvelope is the tongo_attestation_v1 proof envelope a PaymentPayload's
// TongoProof field may decode to: hex-encoded JSON carrying the intent hash
// that binds the proof to this specific payment (spec §3/§9 glossary).
type TongoEnvelope struct {
	Version          string `json:"version"`
	IntentHash       string `json:"intent_hash"`
	SettlementTxHash string `json:"settlement_tx_hash"`
	Attestor         string `json:"attestor"`
}

const TongoEnvelopeVersion = "tongo_attestation_v1"
