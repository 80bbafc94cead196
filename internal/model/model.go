// Package model holds the entity shapes from spec §3, shared by the
// registry, hire, run, and x402 packages. Entities only reference one
// another by id field — there are no cyclic references (spec §9).
package model

import "time"

type AgentType string

const (
	AgentTypeStakingSteward     AgentType = "staking_steward"
	AgentTypeTreasuryDispatcher AgentType = "treasury_dispatcher"
	AgentTypeSwapRunner         AgentType = "swap_runner"
)

type ProfileStatus string

const (
	ProfileStatusActive  ProfileStatus = "active"
	ProfileStatusPaused  ProfileStatus = "paused"
	ProfileStatusRetired ProfileStatus = "retired"
)

type PricingMode string

const (
	PricingModePerRun      PricingMode = "per_run"
	PricingModeSubscription PricingMode = "subscription"
	PricingModeSuccessFee  PricingMode = "success_fee"
)

// Pricing is the {mode, amount, token, cadence?, tongo_recipient?} record.
type Pricing struct {
	Mode           PricingMode `json:"mode"`
	Amount         string      `json:"amount"`
	Token          string      `json:"token"`
	Cadence        string      `json:"cadence,omitempty"`
	TongoRecipient string      `json:"tongo_recipient,omitempty"`
}

// EndpointOwnershipProof is the {endpoint, nonce, digest} record from §3.
type EndpointOwnershipProof struct {
	Endpoint string `json:"endpoint"`
	Nonce    string `json:"nonce"`
	Digest   string `json:"digest"`
}

type OnchainStatus string

const (
	OnchainStatusSkipped  OnchainStatus = "skipped"
	OnchainStatusVerified OnchainStatus = "verified"
	OnchainStatusMismatch OnchainStatus = "mismatch"
	OnchainStatusUnknown  OnchainStatus = "unknown"
)

type OnchainWriteStatus string

const (
	OnchainWriteNone      OnchainWriteStatus = ""
	OnchainWritePending   OnchainWriteStatus = "pending"
	OnchainWriteConfirmed OnchainWriteStatus = "confirmed"
	OnchainWriteFailed    OnchainWriteStatus = "failed"
)

// AgentProfile is the registry entity from spec §3.
type AgentProfile struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description"`
	ImageURL     string    `json:"image_url,omitempty"`
	AgentType    AgentType `json:"agent_type"`
	Capabilities []string  `json:"capabilities"`

	Endpoints      []string                 `json:"endpoints"`
	EndpointProofs []EndpointOwnershipProof `json:"endpoint_proofs"`

	Pricing Pricing `json:"pricing"`

	OperatorWallet string `json:"operator_wallet"`
	ServiceWallet  string `json:"service_wallet"`

	Verified   bool          `json:"verified"`
	TrustScore int           `json:"trust_score"`
	Status     ProfileStatus `json:"status"`

	MetadataURI string `json:"metadata_uri,omitempty"`

	OnchainStatus      OnchainStatus      `json:"onchain_status"`
	OnchainOwner       string             `json:"onchain_owner,omitempty"`
	OnchainCheckedAt   time.Time          `json:"onchain_checked_at,omitempty"`
	OnchainWriteStatus OnchainWriteStatus `json:"onchain_write_status,omitempty"`
	OnchainWriteTxHash string             `json:"onchain_write_tx_hash,omitempty"`

	LastIndexedAt time.Time `json:"last_indexed_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasCapability reports case-insensitive membership.
func (p *AgentProfile) HasCapability(capability string) bool {
	for _, c := range p.Capabilities {
		if equalFold(c, capability) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

type HireStatus string

const (
	HireStatusActive  HireStatus = "active"
	HireStatusPaused  HireStatus = "paused"
	HireStatusRevoked HireStatus = "revoked"
)

// AgentHire is the hire-ledger entity from spec §3.
type AgentHire struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	OperatorWallet string         `json:"operator_wallet"`
	PolicySnapshot map[string]any `json:"policy_snapshot"`
	BillingMode    PricingMode    `json:"billing_mode"`
	Status         HireStatus     `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type RunStatus string

const (
	RunStatusPendingPayment RunStatus = "pending_payment"
	RunStatusQueued         RunStatus = "queued"
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusBlockedPolicy  RunStatus = "blocked_policy"
)

type PaymentState string

const (
	PaymentStateRequired       PaymentState = "required"
	PaymentStatePendingPayment PaymentState = "pending_payment"
	PaymentStateSettled        PaymentState = "settled"
	PaymentStateFailed         PaymentState = "failed"
)

// PaymentEvidence is the run's payment_evidence record from §3.
type PaymentEvidence struct {
	Scheme           string         `json:"scheme"`
	PaymentRef       string         `json:"payment_ref,omitempty"`
	SettlementTxHash string         `json:"settlement_tx_hash,omitempty"`
	State            PaymentState   `json:"state"`
	IdentityContext  map[string]any `json:"identity_context,omitempty"`
}

// DelegationEvidence is the spend-auth consume result from §4.9.
type DelegationEvidence struct {
	DelegationID                  string `json:"delegation_id"`
	AuthorizedAmount               string `json:"authorized_amount"`
	ConsumedAmount                  string `json:"consumed_amount"`
	RemainingAllowanceSnapshot      string `json:"remaining_allowance_snapshot"`
	DelegationConsumeTxHash         string `json:"delegation_consume_tx_hash,omitempty"`
	EscrowTransferTxHash            string `json:"escrow_transfer_tx_hash,omitempty"`
}

// TrustSnapshot captures the profile's trust signals at run-creation time.
type TrustSnapshot struct {
	TrustScore int  `json:"trust_score"`
	Verified   bool `json:"verified"`
}

// AgentRun is the run-executor entity from spec §3.
type AgentRun struct {
	ID                  string              `json:"id"`
	HireID              string              `json:"hire_id"`
	AgentID             string              `json:"agent_id"`
	HireOperatorWallet  string              `json:"hire_operator_wallet"`
	Action              string              `json:"action"`
	Params              map[string]any      `json:"params"`
	Billable            bool                `json:"billable"`
	Status              RunStatus           `json:"status"`
	PaymentRef          string              `json:"payment_ref,omitempty"`
	SettlementTxHash    string              `json:"settlement_tx_hash,omitempty"`
	PaymentEvidence     *PaymentEvidence    `json:"payment_evidence,omitempty"`
	AgentTrustSnapshot  *TrustSnapshot      `json:"agent_trust_snapshot,omitempty"`
	DelegationEvidence  *DelegationEvidence `json:"delegation_evidence,omitempty"`
	ExecutionTxHashes   []string            `json:"execution_tx_hashes,omitempty"`
	Result              map[string]any      `json:"result,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}
