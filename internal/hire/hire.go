// Package hire implements the hire-ledger operations from spec §4.6: an
// operator wallet creates, lists, and transitions AgentHire records against
// a published agent profile.
package hire

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-marketplace/core/internal/apierr"
	"github.com/agentic-marketplace/core/internal/identity"
	"github.com/agentic-marketplace/core/internal/model"
)

// ProfileLookup is the narrow registry dependency hire needs: confirming
// the target agent profile exists and is active before a hire is created.
// Callers typically pass a closure over (*registry.Registry).Get with
// refreshOnchain=false.
type ProfileLookup func(ctx context.Context, agentID string) (*model.AgentProfile, *apierr.Error)

// allowedTransitions encodes the hire status DAG from spec §3: active and
// paused can move to each other or to revoked; revoked is terminal.
var allowedTransitions = map[model.HireStatus]map[model.HireStatus]bool{
	model.HireStatusActive: {model.HireStatusPaused: true, model.HireStatusRevoked: true},
	model.HireStatusPaused: {model.HireStatusActive: true, model.HireStatusRevoked: true},
}

type repo struct {
	mu    sync.RWMutex
	hires map[string]model.AgentHire
}

// Ledger owns the hire records; every read-check-write of a hire happens
// under the repo mutex so concurrent status updates against the same hire
// never race (spec §5).
type Ledger struct {
	repo          *repo
	identityCheck identity.Checker
	onchainOn     func() bool
}

func New(identityCheck identity.Checker, onchainOn func() bool) *Ledger {
	return &Ledger{
		repo:          &repo{hires: make(map[string]model.AgentHire)},
		identityCheck: identityCheck,
		onchainOn:     onchainOn,
	}
}

// CreateInput is the validated request body for POST /marketplace/hires.
type CreateInput struct {
	AgentID        string
	OperatorWallet string
	PolicySnapshot map[string]any
	BillingMode    model.PricingMode
}

// Create implements spec §4.6's create operation.
func (l *Ledger) Create(ctx context.Context, callerWallet string, in CreateInput, profiles ProfileLookup) (*model.AgentHire, *apierr.Error) {
	if !strings.EqualFold(callerWallet, in.OperatorWallet) {
		return nil, apierr.Forbidden("OPERATOR_MISMATCH", "operator_wallet must equal the authenticated caller")
	}
	if in.AgentID == "" {
		return nil, apierr.Validation("MISSING_FIELD", "agent_id is required")
	}

	profile, perr := profiles(ctx, in.AgentID)
	if perr != nil {
		return nil, perr
	}
	if profile.Status != model.ProfileStatusActive {
		return nil, apierr.Conflict("AGENT_UNAVAILABLE", "agent profile is not active")
	}

	if l.onchainOn() {
		result := l.identityCheck.Check(ctx, in.AgentID, in.OperatorWallet)
		if result.Status == identity.StatusMismatch {
			return nil, apierr.Conflict("ONCHAIN_IDENTITY_MISMATCH", "on-chain identity check failed")
		}
	}

	now := time.Now().UTC()
	h := model.AgentHire{
		ID:             hireID(),
		AgentID:        in.AgentID,
		OperatorWallet: strings.ToLower(in.OperatorWallet),
		PolicySnapshot: in.PolicySnapshot,
		BillingMode:    in.BillingMode,
		Status:         model.HireStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	l.repo.mu.Lock()
	l.repo.hires[h.ID] = h
	l.repo.mu.Unlock()
	return &h, nil
}

func hireID() string {
	id := uuid.New()
	return "hire-" + id.String()
}

// List implements spec §4.6's list operation, scoped to the caller's own
// hires.
func (l *Ledger) List(ctx context.Context, callerWallet string) []model.AgentHire {
	l.repo.mu.RLock()
	defer l.repo.mu.RUnlock()

	out := make([]model.AgentHire, 0, len(l.repo.hires))
	for _, h := range l.repo.hires {
		if strings.EqualFold(h.OperatorWallet, callerWallet) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a single hire, scoped to the caller's own wallet.
func (l *Ledger) Get(ctx context.Context, callerWallet, hireID string) (*model.AgentHire, *apierr.Error) {
	l.repo.mu.RLock()
	h, ok := l.repo.hires[hireID]
	l.repo.mu.RUnlock()
	if !ok {
		return nil, apierr.NotFound("HIRE_NOT_FOUND", "hire not found")
	}
	if !strings.EqualFold(h.OperatorWallet, callerWallet) {
		return nil, apierr.Forbidden("OPERATOR_MISMATCH", "hire does not belong to the authenticated caller")
	}
	out := h
	return &out, nil
}

// UpdateStatus implements spec §4.6's status transition operation,
// enforcing the active<->paused->revoked DAG.
func (l *Ledger) UpdateStatus(ctx context.Context, callerWallet, hireID string, target model.HireStatus) (*model.AgentHire, *apierr.Error) {
	l.repo.mu.Lock()
	defer l.repo.mu.Unlock()

	h, ok := l.repo.hires[hireID]
	if !ok {
		return nil, apierr.NotFound("HIRE_NOT_FOUND", "hire not found")
	}
	if !strings.EqualFold(h.OperatorWallet, callerWallet) {
		return nil, apierr.Forbidden("OPERATOR_MISMATCH", "hire does not belong to the authenticated caller")
	}
	if h.Status == target {
		return &h, nil
	}
	if !allowedTransitions[h.Status][target] {
		return nil, apierr.Conflict("INVALID_HIRE_TRANSITION", "hire status transition not permitted")
	}

	h.Status = target
	h.UpdatedAt = time.Now().UTC()
	l.repo.hires[hireID] = h
	out := h
	return &out, nil
}
