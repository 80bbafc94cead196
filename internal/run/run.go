// Package run implements the run-executor state machine from spec §4.10:
// pending_payment -> queued -> running -> completed/failed, gated by the
// x402 paywall and, optionally, a spend-authorization delegation.
package run

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentic-marketplace/core/internal/apierr"
	"github.com/agentic-marketplace/core/internal/identity"
	"github.com/agentic-marketplace/core/internal/model"
	"github.com/agentic-marketplace/core/internal/spendauth"
	"github.com/agentic-marketplace/core/internal/telemetry"
	"github.com/agentic-marketplace/core/internal/x402"
)

// ExecuteRequest is the AgentExecutor contract input from spec §4.10.
type ExecuteRequest struct {
	AgentType          model.AgentType
	Action             string
	Params             map[string]any
	OperatorWallet     string
	ServiceWallet      string
	DelegationContext  map[string]any
}

// ExecuteResult is the AgentExecutor contract output. Errors from an
// executor never propagate out of Service.Create — they are mapped to a
// "failed" ExecuteResult by the caller.
type ExecuteResult struct {
	Status            model.RunStatus
	ExecutionTxHashes []string
	Result            map[string]any
}

// AgentExecutor dispatches a run's action to the external agent runtime
// registered for one agent type.
type AgentExecutor interface {
	SupportedActions() []string
	Execute(ctx context.Context, req ExecuteRequest) ExecuteResult
}

// HireLookup resolves a caller-scoped hire, satisfied by a closure over
// (*hire.Ledger).Get.
type HireLookup func(ctx context.Context, callerWallet, hireID string) (*model.AgentHire, *apierr.Error)

// ProfileLookup resolves an agent profile, satisfied by a closure over
// (*registry.Registry).Get with refreshOnchain=false.
type ProfileLookup func(ctx context.Context, agentID string) (*model.AgentProfile, *apierr.Error)

// SpendAuthInput is the optional delegation reference a run request may
// carry (spec §4.9).
type SpendAuthInput struct {
	DelegationID string
	Amount       string
}

// CreateInput is the validated request body for POST /marketplace/runs.
type CreateInput struct {
	HireID         string
	AgentID        string
	Action         string
	Params         map[string]any
	Billable       *bool
	Execute        *bool
	Payment        *x402.PaymentPayload
	SpendAuth      *SpendAuthInput
	RequestMethod  string
	RequestPath    string
}

func (in CreateInput) billable() bool {
	return in.Billable == nil || *in.Billable
}

func (in CreateInput) execute() bool {
	return in.Execute == nil || *in.Execute
}

// CreateOutcome is Service.Create's result: exactly one of Challenge or
// Run is set, paired with the HTTP status the handler should return.
type CreateOutcome struct {
	HTTPStatus int
	Challenge  *x402.Challenge
	Run        *model.AgentRun
}

type repo struct {
	mu   sync.RWMutex
	runs map[string]model.AgentRun
}

// Service wires the run state machine to its collaborators. Every field is
// an external capability the run core only consumes through a narrow
// interface, per spec §1.
type Service struct {
	hires         HireLookup
	profiles      ProfileLookup
	identityCheck identity.Checker
	onchainOn     func() bool
	spendAuthOn   func() bool
	executors     map[model.AgentType]AgentExecutor
	paywall       *x402.Paywall
	spendAuth     *spendauth.Store
	funnel        *telemetry.Funnel
	repo          *repo
	log           *zap.Logger
	idCounter     func() string
}

func New(
	hires HireLookup,
	profiles ProfileLookup,
	identityCheck identity.Checker,
	onchainOn func() bool,
	spendAuthOn func() bool,
	executors map[model.AgentType]AgentExecutor,
	paywall *x402.Paywall,
	spendAuth *spendauth.Store,
	funnel *telemetry.Funnel,
	log *zap.Logger,
) *Service {
	return &Service{
		hires:         hires,
		profiles:      profiles,
		identityCheck: identityCheck,
		onchainOn:     onchainOn,
		spendAuthOn:   spendAuthOn,
		executors:     executors,
		paywall:       paywall,
		spendAuth:     spendAuth,
		funnel:        funnel,
		repo:          &repo{runs: make(map[string]model.AgentRun)},
		log:           log,
		idCounter:     runID,
	}
}

func runID() string {
	return "run-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// Create implements spec §4.10's per-request pipeline, steps 2 and 4-12.
// Steps 1 (authenticate/rate-limit) and 3 (idempotency) are the caller's
// responsibility — they sit upstream of Create in the middleware chain.
func (s *Service) Create(ctx context.Context, callerWallet, traceID string, in CreateInput) (CreateOutcome, *apierr.Error) {
	action := strings.ToLower(strings.TrimSpace(in.Action))
	if in.HireID == "" || action == "" {
		return CreateOutcome{}, apierr.Validation("MISSING_FIELD", "hire_id and action are required")
	}

	h, herr := s.hires(ctx, callerWallet, in.HireID)
	if herr != nil {
		return CreateOutcome{}, herr
	}
	if in.AgentID != "" && in.AgentID != h.AgentID {
		return CreateOutcome{}, apierr.Validation("AGENT_ID_MISMATCH", "agent_id does not match hire.agent_id")
	}
	agentID := h.AgentID

	profile, perr := s.profiles(ctx, agentID)
	if perr != nil {
		if s.onchainOn() {
			return CreateOutcome{}, apierr.Validation("AGENT_PROFILE_REQUIRED", "agent profile required when on-chain enforcement is enabled")
		}
		return CreateOutcome{}, perr
	}

	onchainSnapshot := string(identity.StatusSkipped)
	if s.onchainOn() {
		result := s.identityCheck.Check(ctx, agentID, h.OperatorWallet)
		onchainSnapshot = string(result.Status)
		if result.Status == identity.StatusMismatch {
			return CreateOutcome{}, apierr.Conflict("ONCHAIN_IDENTITY_MISMATCH", "on-chain identity check failed")
		}
	}

	if in.execute() {
		executor, ok := s.executors[profile.AgentType]
		if !ok || !supports(executor, action) {
			return CreateOutcome{}, apierr.Validation("UNSUPPORTED_ACTION", "no executor registered for this agent_type/action")
		}
	}

	s.funnel.Emit(telemetry.EventRunRequested, traceID, callerWallet, map[string]any{"hire_id": in.HireID, "action": action})

	now := time.Now().UTC()
	run := model.AgentRun{
		ID:                 s.idCounter(),
		HireID:             in.HireID,
		AgentID:            agentID,
		HireOperatorWallet: h.OperatorWallet,
		Action:             action,
		Params:             in.Params,
		Billable:           in.billable(),
		AgentTrustSnapshot: &model.TrustSnapshot{TrustScore: profile.TrustScore, Verified: profile.Verified},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var delegationEvidence *model.DelegationEvidence
	if in.SpendAuth != nil {
		res, err := s.spendAuth.Consume(ctx, in.SpendAuth.DelegationID, h.OperatorWallet, agentID, action, profile.Pricing.Token, in.SpendAuth.Amount)
		if err != nil {
			return CreateOutcome{}, apierr.Validation("SPEND_AUTH_DENIED", err.Error())
		}
		delegationEvidence = &model.DelegationEvidence{
			DelegationID:               res.DelegationID,
			AuthorizedAmount:           res.AuthorizedAmount,
			ConsumedAmount:             res.ConsumedAmount,
			RemainingAllowanceSnapshot: res.RemainingAllowanceSnapshot,
			DelegationConsumeTxHash:    res.DelegationConsumeTxHash,
			EscrowTransferTxHash:       res.EscrowTransferTxHash,
		}
	} else if s.spendAuthOn() {
		return CreateOutcome{}, apierr.Validation("SPEND_AUTH_REQUIRED", "a spend authorization is required for this run")
	}
	run.DelegationEvidence = delegationEvidence

	if !run.Billable {
		run.Status = model.RunStatusQueued
		run.PaymentEvidence = &model.PaymentEvidence{State: model.PaymentStateSettled}
		s.persist(run)
		return s.executeAndFinalize(ctx, traceID, callerWallet, run, profile, h)
	}

	rc := x402.RequestContext{
		Method: in.RequestMethod, Path: in.RequestPath, HireID: in.HireID, AgentID: agentID,
		Action: action, OperatorWallet: h.OperatorWallet, ServiceWallet: profile.ServiceWallet,
		OnchainStatusSnapshot: onchainSnapshot,
	}

	if in.Payment == nil {
		ch, err := s.paywall.IssueChallenge(ctx, run.ID, rc, profile.Pricing.Amount, profile.Pricing.Token, profile.ServiceWallet)
		if err != nil {
			return CreateOutcome{}, apierr.Internal("INTERNAL", err.Error())
		}
		return CreateOutcome{HTTPStatus: 402, Challenge: &ch}, nil
	}

	ch, verr := s.paywall.VerifyPayment(ctx, *in.Payment, rc)
	if verr != nil {
		return CreateOutcome{}, verr
	}
	_ = ch

	settleResult, serr := s.paywall.SettleOnce(ctx, *in.Payment)
	if serr != nil {
		return CreateOutcome{}, serr
	}
	if settleResult.Status == x402.SettlementFailed {
		return CreateOutcome{}, apierr.Conflict("SETTLEMENT_FAILED", "payment settlement failed")
	}

	run.PaymentRef = x402.PaymentRef(in.Payment.ReplayKey)
	run.PaymentEvidence = &model.PaymentEvidence{
		Scheme:     "cloak-shielded-x402",
		PaymentRef: run.PaymentRef,
		State:      model.PaymentStatePendingPayment,
		IdentityContext: map[string]any{"onchain_status": onchainSnapshot},
	}

	if settleResult.Status == x402.SettlementPending {
		run.Status = model.RunStatusPendingPayment
		s.persist(run)
		s.funnel.Emit(telemetry.EventRunPendingPayment, traceID, callerWallet, map[string]any{"run_id": run.ID})
		go s.finalizePendingSettlement(run.ID, in.Payment.ReplayKey, traceID, callerWallet, profile, h)
		return CreateOutcome{HTTPStatus: 202, Run: &run}, nil
	}

	run.SettlementTxHash = settleResult.SettlementTxHash
	run.PaymentEvidence.SettlementTxHash = settleResult.SettlementTxHash
	run.PaymentEvidence.State = model.PaymentStateSettled
	run.Status = model.RunStatusQueued
	s.persist(run)
	return s.executeAndFinalize(ctx, traceID, callerWallet, run, profile, h)
}

func supports(executor AgentExecutor, action string) bool {
	for _, a := range executor.SupportedActions() {
		if a == action {
			return true
		}
	}
	return false
}

func (s *Service) persist(run model.AgentRun) {
	s.repo.mu.Lock()
	s.repo.runs[run.ID] = run
	s.repo.mu.Unlock()
}

// executeAndFinalize promotes a queued run to running, invokes the
// registered executor (or skips straight to completed if execute=false),
// and finalizes completed/failed.
func (s *Service) executeAndFinalize(ctx context.Context, traceID, actor string, run model.AgentRun, profile *model.AgentProfile, h *model.AgentHire) (CreateOutcome, *apierr.Error) {
	run.Status = model.RunStatusRunning
	s.persist(run)
	s.funnel.Emit(telemetry.EventRunExecuting, traceID, actor, map[string]any{"run_id": run.ID})

	executor, ok := s.executors[profile.AgentType]
	if !ok {
		run.Status = model.RunStatusCompleted
		s.persist(run)
		s.funnel.Emit(telemetry.EventRunCompleted, traceID, actor, map[string]any{"run_id": run.ID})
		return CreateOutcome{HTTPStatus: 201, Run: &run}, nil
	}

	result := executor.Execute(ctx, ExecuteRequest{
		AgentType:         profile.AgentType,
		Action:            run.Action,
		Params:            run.Params,
		OperatorWallet:    h.OperatorWallet,
		ServiceWallet:     profile.ServiceWallet,
		DelegationContext: delegationContext(run.DelegationEvidence),
	})

	run.ExecutionTxHashes = result.ExecutionTxHashes
	run.Result = result.Result
	if result.Status == model.RunStatusCompleted {
		run.Status = model.RunStatusCompleted
		s.persist(run)
		s.funnel.Emit(telemetry.EventRunCompleted, traceID, actor, map[string]any{"run_id": run.ID})
	} else {
		run.Status = model.RunStatusFailed
		s.persist(run)
		s.funnel.Emit(telemetry.EventRunFailed, traceID, actor, map[string]any{"run_id": run.ID})
	}
	return CreateOutcome{HTTPStatus: 201, Run: &run}, nil
}

func delegationContext(d *model.DelegationEvidence) map[string]any {
	if d == nil {
		return nil
	}
	return map[string]any{"delegation_id": d.DelegationID, "remaining_allowance": d.RemainingAllowanceSnapshot}
}

// finalizePendingSettlement is the async side-effect goroutine for a run
// that was returned to the caller as 202 pending_payment — the same shape
// as the teacher's "go h.billing.OnCreate(...)" pattern: the HTTP response
// is already sent, so settlement resolution is reconciled in the
// background via Paywall.WaitForSettlement.
func (s *Service) finalizePendingSettlement(runID, replayKey, traceID, actor string, profile *model.AgentProfile, h *model.AgentHire) {
	ctx := context.Background()
	result, err := s.paywall.WaitForSettlement(ctx, replayKey)

	s.repo.mu.Lock()
	run, ok := s.repo.runs[runID]
	s.repo.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		run.Status = model.RunStatusFailed
		if run.PaymentEvidence != nil {
			run.PaymentEvidence.State = model.PaymentStateFailed
		}
		s.persist(run)
		s.funnel.Emit(telemetry.EventRunFailed, traceID, actor, map[string]any{"run_id": run.ID, "reason": err.Code})
		return
	}

	run.SettlementTxHash = result.SettlementTxHash
	if run.PaymentEvidence != nil {
		run.PaymentEvidence.State = model.PaymentStateSettled
		run.PaymentEvidence.SettlementTxHash = result.SettlementTxHash
	}
	run.Status = model.RunStatusQueued
	s.persist(run)
	outcome, oerr := s.executeAndFinalize(ctx, traceID, actor, run, profile, h)
	if oerr != nil {
		s.log.Error("finalize pending settlement: execute", zap.String("run_id", runID), zap.Error(oerr))
		return
	}
	_ = outcome
}

// ListFilters is the query input for GET /marketplace/runs.
type ListFilters struct {
	HireID  string
	AgentID string
	Status  string
	Limit   int
	Offset  int
}

// List returns runs belonging to hires owned by callerWallet, matching
// filters, newest first.
func (s *Service) List(callerWallet string, f ListFilters) []model.AgentRun {
	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()

	out := make([]model.AgentRun, 0, len(s.repo.runs))
	for _, r := range s.repo.runs {
		if !strings.EqualFold(r.HireOperatorWallet, callerWallet) {
			continue
		}
		if f.HireID != "" && r.HireID != f.HireID {
			continue
		}
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && string(r.Status) != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	offset := f.Offset
	if offset < 0 || offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// Get returns a single run, scoped to the caller's own hires.
func (s *Service) Get(callerWallet, runID string) (*model.AgentRun, *apierr.Error) {
	s.repo.mu.RLock()
	r, ok := s.repo.runs[runID]
	s.repo.mu.RUnlock()
	if !ok {
		return nil, apierr.NotFound("RUN_NOT_FOUND", "run not found")
	}
	if !strings.EqualFold(r.HireOperatorWallet, callerWallet) {
		return nil, apierr.Forbidden("OPERATOR_MISMATCH", "run does not belong to the authenticated caller")
	}
	out := r
	return &out, nil
}
