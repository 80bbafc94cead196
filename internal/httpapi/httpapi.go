// Package httpapi wires the registry, discovery, hire, run, and metrics
// services onto the HTTP routes from spec §6, mounted on a gin.RouterGroup
// the way the teacher's proxy.Handler.Register does.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentic-marketplace/core/internal/apierr"
	"github.com/agentic-marketplace/core/internal/authn"
	"github.com/agentic-marketplace/core/internal/discovery"
	"github.com/agentic-marketplace/core/internal/hire"
	"github.com/agentic-marketplace/core/internal/idempotency"
	"github.com/agentic-marketplace/core/internal/metrics"
	"github.com/agentic-marketplace/core/internal/model"
	"github.com/agentic-marketplace/core/internal/ratelimit"
	"github.com/agentic-marketplace/core/internal/registry"
	"github.com/agentic-marketplace/core/internal/run"
	"github.com/agentic-marketplace/core/internal/telemetry"
	"github.com/agentic-marketplace/core/internal/x402"
)

// Handler wires every marketplace service onto gin routes.
type Handler struct {
	registry  *registry.Registry
	discovery *discovery.Service
	hires     *hire.Ledger
	runs      *run.Service
	metrics   *metrics.Registry
	limiter   *ratelimit.Limiter
	idempo    *idempotency.Store
	rules     map[string]ratelimit.Rule
	funnel    *telemetry.Funnel
	log       *zap.Logger
}

func NewHandler(
	reg *registry.Registry,
	disc *discovery.Service,
	hires *hire.Ledger,
	runs *run.Service,
	m *metrics.Registry,
	limiter *ratelimit.Limiter,
	idempo *idempotency.Store,
	rules map[string]ratelimit.Rule,
	funnel *telemetry.Funnel,
	log *zap.Logger,
) *Handler {
	return &Handler{
		registry: reg, discovery: disc, hires: hires, runs: runs, metrics: m,
		limiter: limiter, idempo: idempo, rules: rules, funnel: funnel, log: log,
	}
}

// Register mounts all marketplace routes. authMiddleware should already be
// applied to rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.Use(h.traceMiddleware())

	rg.POST("/agents", h.rateLimited("marketplace:agents:write"), h.registerAgent)
	rg.GET("/agents", h.rateLimited("marketplace:discover:read"), h.listAgents)
	rg.GET("/agents/:id", h.rateLimited("marketplace:discover:read"), h.getAgent)
	rg.PATCH("/agents/:id", h.rateLimited("marketplace:agents:write"), h.updateAgent)

	rg.GET("/discover", h.rateLimited("marketplace:discover:read"), h.discover)

	rg.POST("/hires", h.rateLimited("marketplace:hires:write"), h.createHire)
	rg.GET("/hires", h.rateLimited("marketplace:discover:read"), h.listHires)
	rg.PATCH("/hires/:id", h.rateLimited("marketplace:hires:write"), h.updateHire)

	rg.POST("/runs", h.rateLimited("marketplace:runs:write"), h.idempotent("marketplace:runs:write"), h.createRun)
	rg.GET("/runs", h.rateLimited("marketplace:discover:read"), h.listRuns)

	rg.GET("/metrics", h.getMetrics)
}

// traceMiddleware stamps x-agentic-trace-id on every response (spec §4.11).
func (h *Handler) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		trace := telemetry.NewTraceID(routeTag(c))
		c.Set("trace_id", trace)
		c.Writer.Header().Set("x-agentic-trace-id", trace)
		c.Next()
	}
}

func routeTag(c *gin.Context) string {
	tag := strings.Trim(c.FullPath(), "/")
	tag = strings.ReplaceAll(tag, "/", "-")
	if tag == "" {
		tag = "req"
	}
	return tag
}

func traceID(c *gin.Context) string { return c.GetString("trace_id") }

// rateLimited enforces the fixed-window limit for scope against the
// authenticated caller, writing retry_after + 429 on rejection (spec §4.2).
func (h *Handler) rateLimited(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := authn.Wallet(c)
		rule, ok := h.rules[scope]
		if !ok {
			c.Next()
			return
		}
		decision, err := h.limiter.Consume(c.Request.Context(), scope, actor, rule)
		if err != nil {
			h.log.Error("rate limiter", zap.Error(err), zap.String("trace_id", traceID(c)))
			c.Next()
			return
		}
		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded", "code": "RATE_LIMITED", "retry_after": decision.RetryAfterSeconds,
			})
			return
		}
		c.Next()
	}
}

// idempotent guards a write route with the {scope, actor, Idempotency-Key}
// replay cache from spec §4.3. A request without the header is passed
// through uncached.
func (h *Handler) idempotent(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}
		actor := authn.Wallet(c)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		c.Request.Body = io.NopCloser(strings.NewReader(string(body)))
		requestHash := hashBody(body)

		outcome, record, err := h.idempo.Lookup(c.Request.Context(), scope, actor, key, requestHash)
		if err != nil {
			h.log.Error("idempotency lookup", zap.Error(err), zap.String("trace_id", traceID(c)))
			c.Next()
			return
		}
		switch outcome {
		case idempotency.Replay:
			c.Header("x-idempotent-replay", "true")
			for k, v := range record.Headers {
				c.Header(k, v)
			}
			c.Data(record.Status, "application/json", record.Body)
			c.Abort()
			return
		case idempotency.Conflict:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "idempotency key reused with a different request body", "code": "IDEMPOTENCY_KEY_REUSED",
			})
			return
		}

		rec := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()
		if !c.IsAborted() {
			if err := h.idempo.Save(c.Request.Context(), scope, actor, key, requestHash, rec.status, rec.body, nil); err != nil {
				h.log.Error("idempotency save", zap.Error(err), zap.String("trace_id", traceID(c)))
			}
		}
	}
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// responseRecorder buffers the response so it can be replayed verbatim on
// a future idempotent retry.
type responseRecorder struct {
	gin.ResponseWriter
	status int
	body   []byte
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// writeError maps an *apierr.Error onto the JSON error envelope and status
// code every handler funnels through (spec §7).
func writeError(c *gin.Context, log *zap.Logger, err *apierr.Error) {
	if err.Kind == apierr.KindInternal {
		log.Error("internal error", zap.String("code", err.Code), zap.String("trace_id", traceID(c)), zap.String("message", err.Message))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Message, "code": err.Code}
	if err.Details != nil {
		body["details"] = err.Details
	}
	if err.Kind == apierr.KindRateLimited {
		c.Header("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
		body["retry_after"] = err.RetryAfterSeconds
	}
	c.JSON(err.StatusCode(), body)
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolQuery(c *gin.Context, name string) bool {
	v, _ := strconv.ParseBool(c.Query(name))
	return v
}

// ── Agents ───────────────────────────────────────────────────────────────

type registerAgentRequest struct {
	AgentID        string                         `json:"agent_id"`
	DisplayName    string                         `json:"display_name"`
	Description    string                         `json:"description"`
	ImageURL       string                         `json:"image_url"`
	AgentType      string                         `json:"agent_type"`
	Capabilities   []string                       `json:"capabilities"`
	Endpoints      []string                       `json:"endpoints"`
	EndpointProofs []model.EndpointOwnershipProof `json:"endpoint_proofs"`
	Pricing        model.Pricing                  `json:"pricing"`
	OperatorWallet string                         `json:"operator_wallet"`
	ServiceWallet  string                         `json:"service_wallet"`
	MetadataURI    string                         `json:"metadata_uri"`
}

func (h *Handler) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, apierr.Validation("MALFORMED_BODY", "invalid JSON body"))
		return
	}
	profile, err := h.registry.Register(c.Request.Context(), authn.Wallet(c), registry.RegisterInput{
		AgentID: req.AgentID, DisplayName: req.DisplayName, Description: req.Description, ImageURL: req.ImageURL,
		AgentType: req.AgentType, Capabilities: req.Capabilities, Endpoints: req.Endpoints,
		EndpointProofs: req.EndpointProofs, Pricing: req.Pricing, OperatorWallet: req.OperatorWallet,
		ServiceWallet: req.ServiceWallet, MetadataURI: req.MetadataURI,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

func (h *Handler) listAgents(c *gin.Context) {
	profiles, err := h.registry.List(c.Request.Context(), registry.Filters{
		AgentType: c.Query("agent_type"), Capability: c.Query("capability"),
		VerifiedOnly: boolQuery(c, "verified_only"), Status: c.Query("status"),
		Limit: intQuery(c, "limit", 0), Offset: intQuery(c, "offset", 0),
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": profiles})
}

func (h *Handler) getAgent(c *gin.Context) {
	profile, err := h.registry.Get(c.Request.Context(), c.Param("id"), boolQuery(c, "refresh_onchain"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

type updateAgentRequest struct {
	Status      *string `json:"status"`
	Verified    *bool   `json:"verified"`
	TrustScore  *int    `json:"trust_score"`
	MetadataURI *string `json:"metadata_uri"`
}

func (h *Handler) updateAgent(c *gin.Context) {
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, apierr.Validation("MALFORMED_BODY", "invalid JSON body"))
		return
	}
	profile, err := h.registry.Update(c.Request.Context(), authn.Wallet(c), c.Param("id"), registry.UpdatePatch{
		Status: req.Status, Verified: req.Verified, TrustScore: req.TrustScore, MetadataURI: req.MetadataURI,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// ── Discovery ────────────────────────────────────────────────────────────

func (h *Handler) discover(c *gin.Context) {
	ranked, err := h.discovery.Discover(c.Request.Context(), discovery.Query{
		AgentType: c.Query("agent_type"), Capability: c.Query("capability"),
		VerifiedOnly: boolQuery(c, "verified_only"),
		Limit:        intQuery(c, "limit", 0), Offset: intQuery(c, "offset", 0),
	})
	if err != nil {
		writeError(c, h.log, apierr.Internal("INTERNAL", err.Error()))
		return
	}
	h.funnel.Emit(telemetry.EventDiscoverLoaded, traceID(c), authn.Wallet(c), map[string]any{"count": len(ranked)})
	c.JSON(http.StatusOK, gin.H{"results": ranked})
}

// ── Hires ────────────────────────────────────────────────────────────────

type createHireRequest struct {
	AgentID        string         `json:"agent_id"`
	OperatorWallet string         `json:"operator_wallet"`
	PolicySnapshot map[string]any `json:"policy_snapshot"`
	BillingMode    string         `json:"billing_mode"`
}

func (h *Handler) createHire(c *gin.Context) {
	var req createHireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, apierr.Validation("MALFORMED_BODY", "invalid JSON body"))
		return
	}
	hireRecord, err := h.hires.Create(c.Request.Context(), authn.Wallet(c), hire.CreateInput{
		AgentID: req.AgentID, OperatorWallet: req.OperatorWallet, PolicySnapshot: req.PolicySnapshot,
		BillingMode: model.PricingMode(req.BillingMode),
	}, h.profileLookup)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	h.funnel.Emit(telemetry.EventHireCreated, traceID(c), authn.Wallet(c), map[string]any{"hire_id": hireRecord.ID})
	c.JSON(http.StatusCreated, hireRecord)
}

// profileLookup adapts registry.Registry.Get to the narrow function type
// hire.Ledger and run.Service depend on, never refreshing on-chain state on
// this path (spec §4.6/§4.10 don't call for it here).
func (h *Handler) profileLookup(ctx context.Context, agentID string) (*model.AgentProfile, *apierr.Error) {
	return h.registry.Get(ctx, agentID, false)
}

func (h *Handler) listHires(c *gin.Context) {
	hires := h.hires.List(c.Request.Context(), authn.Wallet(c))
	c.JSON(http.StatusOK, gin.H{"hires": hires})
}

type updateHireRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateHire(c *gin.Context) {
	var req updateHireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, apierr.Validation("MALFORMED_BODY", "invalid JSON body"))
		return
	}
	updated, err := h.hires.UpdateStatus(c.Request.Context(), authn.Wallet(c), c.Param("id"), model.HireStatus(req.Status))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ── Runs ─────────────────────────────────────────────────────────────────

type createRunRequest struct {
	HireID    string                 `json:"hire_id"`
	AgentID   string                 `json:"agent_id"`
	Action    string                 `json:"action"`
	Params    map[string]any         `json:"params"`
	Billable  *bool                  `json:"billable"`
	Execute   *bool                  `json:"execute"`
	Payment   *x402.PaymentPayload   `json:"payment"`
	SpendAuth *spendAuthRequestBody  `json:"spend_auth"`
}

type spendAuthRequestBody struct {
	DelegationID string `json:"delegation_id"`
	Amount       string `json:"amount"`
}

func (h *Handler) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, apierr.Validation("MALFORMED_BODY", "invalid JSON body"))
		return
	}
	var spendAuth *run.SpendAuthInput
	if req.SpendAuth != nil {
		spendAuth = &run.SpendAuthInput{DelegationID: req.SpendAuth.DelegationID, Amount: req.SpendAuth.Amount}
	}

	outcome, err := h.runs.Create(c.Request.Context(), authn.Wallet(c), traceID(c), run.CreateInput{
		HireID: req.HireID, AgentID: req.AgentID, Action: req.Action, Params: req.Params,
		Billable: req.Billable, Execute: req.Execute, Payment: req.Payment, SpendAuth: spendAuth,
		RequestMethod: c.Request.Method, RequestPath: c.Request.URL.Path,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if outcome.Challenge != nil {
		c.Header("x-x402-challenge", outcome.Challenge.ChallengeID)
		c.JSON(http.StatusPaymentRequired, gin.H{"challenge": outcome.Challenge})
		return
	}
	c.JSON(outcome.HTTPStatus, outcome.Run)
}

func (h *Handler) listRuns(c *gin.Context) {
	runs := h.runs.List(authn.Wallet(c), run.ListFilters{
		HireID: c.Query("hire_id"), AgentID: c.Query("agent_id"), Status: c.Query("status"),
		Limit: intQuery(c, "limit", 0), Offset: intQuery(c, "offset", 0),
	})
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// ── Metrics ──────────────────────────────────────────────────────────────

func (h *Handler) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}
