// Package registry implements the profile CRUD and on-chain reconciliation
// operations from spec §4.4.
package registry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-marketplace/core/internal/apierr"
	"github.com/agentic-marketplace/core/internal/identity"
	"github.com/agentic-marketplace/core/internal/metrics"
	"github.com/agentic-marketplace/core/internal/model"
	"github.com/agentic-marketplace/core/internal/proof"
)

// WriteReconciler resolves a pending on-chain registration write into
// confirmed/failed. The default NoopWriteReconciler leaves pending writes
// pending — spec §9 notes the reconciliation policy for this path is
// intentionally deferred, not implemented end-to-end.
type WriteReconciler interface {
	Reconcile(ctx context.Context, agentID string) (status model.OnchainWriteStatus, txHash string, err error)
}

type NoopWriteReconciler struct{}

func (NoopWriteReconciler) Reconcile(ctx context.Context, agentID string) (model.OnchainWriteStatus, string, error) {
	return model.OnchainWritePending, "", nil
}

// Registry wires the profile repo to proof verification, the pluggable
// on-chain identity check, and the registry counters.
type Registry struct {
	repo        ProfileRepo
	checker     identity.Checker
	reconciler  WriteReconciler
	metrics     *metrics.Registry
	onchainOn   func() bool
}

func New(repo ProfileRepo, checker identity.Checker, reconciler WriteReconciler, m *metrics.Registry, onchainEnforced func() bool) *Registry {
	if reconciler == nil {
		reconciler = NoopWriteReconciler{}
	}
	return &Registry{repo: repo, checker: checker, reconciler: reconciler, metrics: m, onchainOn: onchainEnforced}
}

// RegisterInput is the validated request body for POST /marketplace/agents.
type RegisterInput struct {
	AgentID        string
	DisplayName    string
	Description    string
	ImageURL       string
	AgentType      string
	Capabilities   []string
	Endpoints      []string
	EndpointProofs []model.EndpointOwnershipProof
	Pricing        model.Pricing
	OperatorWallet string
	ServiceWallet  string
	MetadataURI    string
}

// Register implements spec §4.4's register/upsert operation.
func (r *Registry) Register(ctx context.Context, callerWallet string, in RegisterInput) (*model.AgentProfile, *apierr.Error) {
	if !strings.EqualFold(callerWallet, in.OperatorWallet) {
		return nil, apierr.Forbidden("OPERATOR_MISMATCH", "operator_wallet must equal the authenticated caller")
	}
	if in.AgentID == "" {
		return nil, apierr.Validation("MISSING_FIELD", "agent_id is required")
	}
	if len(in.Endpoints) == 0 {
		return nil, apierr.Validation("MISSING_ENDPOINTS", "at least one endpoint is required")
	}
	if err := validatePricing(in.Pricing); err != nil {
		return nil, err
	}

	proofRecords := make([]proof.EndpointProof, 0, len(in.EndpointProofs))
	for _, p := range in.EndpointProofs {
		proofRecords = append(proofRecords, proof.EndpointProof{Endpoint: p.Endpoint, Nonce: p.Nonce, Digest: p.Digest})
	}
	if verr := proof.VerifySet(in.OperatorWallet, in.Endpoints, proofRecords); verr != nil {
		return nil, apierr.Validation(string(verr.(*proof.Error).Reason), "Invalid endpoint digest")
	}

	now := time.Now().UTC()
	onchainResult := identity.Result{Status: identity.StatusSkipped}
	if r.onchainOn() {
		onchainResult = r.checker.Check(ctx, in.AgentID, in.OperatorWallet)
		if onchainResult.Status == identity.StatusMismatch {
			return nil, apierr.Conflict("ONCHAIN_IDENTITY_MISMATCH", "on-chain identity check failed")
		}
	}

	existing, found, err := r.repo.Get(ctx, in.AgentID)
	if err != nil {
		return nil, apierr.Internal("INTERNAL", err.Error())
	}

	p := model.AgentProfile{
		AgentID:        in.AgentID,
		DisplayName:    in.DisplayName,
		Description:    in.Description,
		ImageURL:       in.ImageURL,
		AgentType:      model.AgentType(in.AgentType),
		Capabilities:   lowercaseAll(in.Capabilities),
		Endpoints:      in.Endpoints,
		EndpointProofs: in.EndpointProofs,
		Pricing:        in.Pricing,
		OperatorWallet: strings.ToLower(in.OperatorWallet),
		ServiceWallet:  strings.ToLower(in.ServiceWallet),
		Status:         model.ProfileStatusActive,
		TrustScore:     0,
		MetadataURI:    in.MetadataURI,
		OnchainStatus:  model.OnchainStatus(onchainResult.Status),
		OnchainOwner:   onchainResult.Owner,
		LastIndexedAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !onchainResult.CheckedAt.IsZero() {
		p.OnchainCheckedAt = onchainResult.CheckedAt
	}
	if found && existing != nil {
		p.CreatedAt = existing.CreatedAt
		p.Verified = existing.Verified
		p.TrustScore = existing.TrustScore
		p.Status = existing.Status
	}

	if err := r.repo.Upsert(ctx, p); err != nil {
		return nil, apierr.Internal("INTERNAL", err.Error())
	}
	r.metrics.ProfilesRegistered.Inc()
	return &p, nil
}

func validatePricing(p model.Pricing) *apierr.Error {
	switch p.Mode {
	case model.PricingModePerRun, model.PricingModeSubscription, model.PricingModeSuccessFee:
	default:
		return apierr.Validation("INVALID_PRICING_MODE", "pricing.mode must be per_run, subscription, or success_fee")
	}
	if p.Token == "" {
		return apierr.Validation("INVALID_PRICING_TOKEN", "pricing.token is required")
	}
	n, err := strconv.ParseInt(p.Amount, 10, 64)
	if err != nil || n < 0 {
		return apierr.Validation("INVALID_PRICING_AMOUNT", "pricing.amount must be a non-negative integer string")
	}
	return nil
}

func lowercaseAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// List implements spec §4.4's list operation.
func (r *Registry) List(ctx context.Context, f Filters) ([]model.AgentProfile, *apierr.Error) {
	profiles, err := r.repo.List(ctx, f)
	if err != nil {
		return nil, apierr.Internal("INTERNAL", err.Error())
	}
	return profiles, nil
}

// Get implements spec §4.4's get operation, including optional on-chain
// write reconciliation.
func (r *Registry) Get(ctx context.Context, agentID string, refreshOnchain bool) (*model.AgentProfile, *apierr.Error) {
	p, found, err := r.repo.Get(ctx, agentID)
	if err != nil {
		return nil, apierr.Internal("INTERNAL", err.Error())
	}
	if !found {
		return nil, apierr.NotFound("AGENT_NOT_FOUND", "agent profile not found")
	}
	if !refreshOnchain {
		return p, nil
	}

	r.metrics.OnchainRefreshes.Inc()
	if p.OnchainWriteStatus != model.OnchainWritePending {
		return p, nil
	}
	status, txHash, rerr := r.reconciler.Reconcile(ctx, agentID)
	if rerr != nil {
		return p, nil // transient reconciliation failure never blocks a read
	}
	updated, uerr := r.repo.UpdateIfMatches(ctx, agentID, func(prof *model.AgentProfile) error {
		prof.OnchainWriteStatus = status
		if txHash != "" {
			prof.OnchainWriteTxHash = txHash
		}
		prof.UpdatedAt = time.Now().UTC()
		return nil
	})
	if uerr != nil || updated == nil {
		return p, nil
	}
	return updated, nil
}

// UpdatePatch permits {status, verified, trust_score, metadata_uri}.
type UpdatePatch struct {
	Status     *string
	Verified   *bool
	TrustScore *int
	MetadataURI *string
}

func (p UpdatePatch) isEmpty() bool {
	return p.Status == nil && p.Verified == nil && p.TrustScore == nil && p.MetadataURI == nil
}

// Update implements spec §4.4's operator-only update operation.
func (r *Registry) Update(ctx context.Context, callerWallet, agentID string, patch UpdatePatch) (*model.AgentProfile, *apierr.Error) {
	if patch.isEmpty() {
		return nil, apierr.Validation("EMPTY_PATCH", "patch must set at least one field")
	}

	existing, found, err := r.repo.Get(ctx, agentID)
	if err != nil {
		return nil, apierr.Internal("INTERNAL", err.Error())
	}
	if !found {
		return nil, apierr.NotFound("AGENT_NOT_FOUND", "agent profile not found")
	}
	if !strings.EqualFold(existing.OperatorWallet, callerWallet) {
		return nil, apierr.Forbidden("OPERATOR_MISMATCH", "only the operator may update this profile")
	}

	updated, uerr := r.repo.UpdateIfMatches(ctx, agentID, func(prof *model.AgentProfile) error {
		if patch.Status != nil {
			prof.Status = model.ProfileStatus(*patch.Status)
		}
		if patch.Verified != nil {
			prof.Verified = *patch.Verified
		}
		if patch.TrustScore != nil {
			prof.TrustScore = *patch.TrustScore
		}
		if patch.MetadataURI != nil {
			prof.MetadataURI = *patch.MetadataURI
		}
		prof.UpdatedAt = time.Now().UTC()
		return nil
	})
	if uerr != nil {
		return nil, apierr.Internal("INTERNAL", uerr.Error())
	}
	r.metrics.ProfilesUpdated.Inc()
	return updated, nil
}
