package run

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentic-marketplace/core/internal/apierr"
	"github.com/agentic-marketplace/core/internal/identity"
	"github.com/agentic-marketplace/core/internal/model"
	"github.com/agentic-marketplace/core/internal/spendauth"
	"github.com/agentic-marketplace/core/internal/telemetry"
	"github.com/agentic-marketplace/core/internal/x402"
)

const testOperator = "0xoperator0000000000000000000000000000aa"

type fakeExecutor struct {
	actions []string
	status  model.RunStatus
}

func (f *fakeExecutor) SupportedActions() []string { return f.actions }

func (f *fakeExecutor) Execute(ctx context.Context, req ExecuteRequest) ExecuteResult {
	return ExecuteResult{Status: f.status, Result: map[string]any{"ok": true}}
}

func testProfile(billable bool) *model.AgentProfile {
	amount := "1000"
	if !billable {
		amount = "0"
	}
	return &model.AgentProfile{
		AgentID:        "agent-1",
		AgentType:      model.AgentTypeSwapRunner,
		OperatorWallet: testOperator,
		ServiceWallet:  "0xservice00000000000000000000000000000bb",
		Status:         model.ProfileStatusActive,
		TrustScore:     80,
		Verified:       true,
		Pricing:        model.Pricing{Mode: model.PricingModePerRun, Amount: amount, Token: "USDC"},
	}
}

func testHire() *model.AgentHire {
	return &model.AgentHire{ID: "hire-1", AgentID: "agent-1", OperatorWallet: testOperator, Status: model.HireStatusActive}
}

func newTestService(t *testing.T, executors map[model.AgentType]AgentExecutor, profile *model.AgentProfile) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	facilitator := x402.NewFacilitator("", "", time.Second)
	paywall := x402.New(rdb, facilitator, time.Minute, 5*time.Millisecond, 50*time.Millisecond, 0)
	spendAuth := spendauth.New(rdb, spendauth.NoopChainWriter{})

	hires := func(ctx context.Context, callerWallet, hireID string) (*model.AgentHire, *apierr.Error) {
		h := testHire()
		if h.ID != hireID {
			return nil, apierr.NotFound("HIRE_NOT_FOUND", "hire not found")
		}
		return h, nil
	}
	profiles := func(ctx context.Context, agentID string) (*model.AgentProfile, *apierr.Error) {
		if profile == nil || profile.AgentID != agentID {
			return nil, apierr.NotFound("AGENT_NOT_FOUND", "agent not found")
		}
		return profile, nil
	}

	log := zap.NewNop()
	funnel := telemetry.NewFunnel(log)
	return New(hires, profiles, &identity.NoopChecker{}, func() bool { return false }, func() bool { return false }, executors, paywall, spendAuth, funnel, log)
}

func TestCreate_NonBillableRunsImmediately(t *testing.T) {
	profile := testProfile(false)
	executor := &fakeExecutor{actions: []string{"swap"}, status: model.RunStatusCompleted}
	svc := newTestService(t, map[model.AgentType]AgentExecutor{model.AgentTypeSwapRunner: executor}, profile)

	billable := false
	outcome, err := svc.Create(context.Background(), testOperator, "trace-1", CreateInput{
		HireID: "hire-1", Action: "swap", Billable: &billable,
	})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if outcome.Run == nil || outcome.Run.Status != model.RunStatusCompleted {
		t.Fatalf("expected completed run, got %+v", outcome.Run)
	}
	if outcome.HTTPStatus != 201 {
		t.Fatalf("expected 201, got %d", outcome.HTTPStatus)
	}
}

func TestCreate_BillableWithoutPaymentIssuesChallenge(t *testing.T) {
	profile := testProfile(true)
	executor := &fakeExecutor{actions: []string{"swap"}, status: model.RunStatusCompleted}
	svc := newTestService(t, map[model.AgentType]AgentExecutor{model.AgentTypeSwapRunner: executor}, profile)

	outcome, err := svc.Create(context.Background(), testOperator, "trace-1", CreateInput{
		HireID: "hire-1", Action: "swap", RequestMethod: "POST", RequestPath: "/marketplace/runs",
	})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if outcome.HTTPStatus != 402 || outcome.Challenge == nil {
		t.Fatalf("expected 402 with challenge, got %+v", outcome)
	}
}

func TestCreate_UnsupportedActionRejected(t *testing.T) {
	profile := testProfile(false)
	executor := &fakeExecutor{actions: []string{"stake"}, status: model.RunStatusCompleted}
	svc := newTestService(t, map[model.AgentType]AgentExecutor{model.AgentTypeSwapRunner: executor}, profile)

	billable := false
	_, err := svc.Create(context.Background(), testOperator, "trace-1", CreateInput{
		HireID: "hire-1", Action: "swap", Billable: &billable,
	})
	if err == nil || err.Code != "UNSUPPORTED_ACTION" {
		t.Fatalf("expected UNSUPPORTED_ACTION, got %+v", err)
	}
}

func TestCreate_AgentIDMismatchRejected(t *testing.T) {
	profile := testProfile(false)
	executor := &fakeExecutor{actions: []string{"swap"}, status: model.RunStatusCompleted}
	svc := newTestService(t, map[model.AgentType]AgentExecutor{model.AgentTypeSwapRunner: executor}, profile)

	billable := false
	_, err := svc.Create(context.Background(), testOperator, "trace-1", CreateInput{
		HireID: "hire-1", AgentID: "some-other-agent", Action: "swap", Billable: &billable,
	})
	if err == nil || err.Code != "AGENT_ID_MISMATCH" {
		t.Fatalf("expected AGENT_ID_MISMATCH, got %+v", err)
	}
}

func TestCreate_ExecutorFailureMarksRunFailed(t *testing.T) {
	profile := testProfile(false)
	executor := &fakeExecutor{actions: []string{"swap"}, status: model.RunStatusFailed}
	svc := newTestService(t, map[model.AgentType]AgentExecutor{model.AgentTypeSwapRunner: executor}, profile)

	billable := false
	outcome, err := svc.Create(context.Background(), testOperator, "trace-1", CreateInput{
		HireID: "hire-1", Action: "swap", Billable: &billable,
	})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if outcome.Run.Status != model.RunStatusFailed {
		t.Fatalf("expected failed run, got %+v", outcome.Run)
	}
}

func TestCreate_SpendAuthRequiredButMissingRejected(t *testing.T) {
	profile := testProfile(false)
	executor := &fakeExecutor{actions: []string{"swap"}, status: model.RunStatusCompleted}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	facilitator := x402.NewFacilitator("", "", time.Second)
	paywall := x402.New(rdb, facilitator, time.Minute, 5*time.Millisecond, 50*time.Millisecond, 0)
	spendAuth := spendauth.New(rdb, spendauth.NoopChainWriter{})

	hires := func(ctx context.Context, callerWallet, hireID string) (*model.AgentHire, *apierr.Error) {
		return testHire(), nil
	}
	profiles := func(ctx context.Context, agentID string) (*model.AgentProfile, *apierr.Error) {
		return profile, nil
	}
	log := zap.NewNop()
	svc := New(hires, profiles, &identity.NoopChecker{}, func() bool { return false }, func() bool { return true },
		map[model.AgentType]AgentExecutor{model.AgentTypeSwapRunner: executor}, paywall, spendAuth, telemetry.NewFunnel(log), log)

	billable := false
	_, cerr := svc.Create(context.Background(), testOperator, "trace-1", CreateInput{
		HireID: "hire-1", Action: "swap", Billable: &billable,
	})
	if cerr == nil || cerr.Code != "SPEND_AUTH_REQUIRED" {
		t.Fatalf("expected SPEND_AUTH_REQUIRED, got %+v", cerr)
	}
}

func TestList_ScopedToCallerAndFiltered(t *testing.T) {
	profile := testProfile(false)
	executor := &fakeExecutor{actions: []string{"swap"}, status: model.RunStatusCompleted}
	svc := newTestService(t, map[model.AgentType]AgentExecutor{model.AgentTypeSwapRunner: executor}, profile)

	billable := false
	if _, err := svc.Create(context.Background(), testOperator, "trace-1", CreateInput{HireID: "hire-1", Action: "swap", Billable: &billable}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	out := svc.List(testOperator, ListFilters{})
	if len(out) != 1 {
		t.Fatalf("expected 1 run, got %d", len(out))
	}
	other := svc.List("0xsomeoneelse000000000000000000000000000", ListFilters{})
	if len(other) != 0 {
		t.Fatalf("expected 0 runs for other caller, got %d", len(other))
	}
}
