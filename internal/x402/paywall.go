package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentic-marketplace/core/internal/apierr"
)

const (
	challengeKeyPrefix = "x402:challenge:"
	replayKeyPrefix    = "x402:replay:"
)

var errUnsupportedEnvelope = errors.New("unsupported tongo proof envelope version")

// Paywall owns challenge issuance, payment verification, and settlement.
// Challenges are Redis hashes written with HSet under a fresh random id;
// replay keys are plain Redis keys claimed with SetNX for single-writer
// semantics, the same pattern the teacher's auth middleware uses for its
// nonce dedup.
type Paywall struct {
	rdb          *redis.Client
	facilitator  *Facilitator
	challengeTTL time.Duration
	pollInterval time.Duration
	timeout      time.Duration
	maxAttempts  int
	now          func() time.Time
}

func New(rdb *redis.Client, facilitator *Facilitator, challengeTTL, pollInterval, timeout time.Duration, maxAttempts int) *Paywall {
	return &Paywall{
		rdb:          rdb,
		facilitator:  facilitator,
		challengeTTL: challengeTTL,
		pollInterval: pollInterval,
		timeout:      timeout,
		maxAttempts:  maxAttempts,
		now:          time.Now,
	}
}

func challengeKey(id string) string { return challengeKeyPrefix + id }

// ContextHash is the deterministic 64-hex binding over the canonical
// request context (spec §4.8): keccak256 over the pipe-joined tuple. Any
// change to these fields between challenge issuance and retry invalidates
// the retry.
func ContextHash(rc RequestContext) string {
	tuple := strings.Join([]string{
		rc.Method, rc.Path, rc.HireID, rc.AgentID, rc.Action,
		strings.ToLower(rc.OperatorWallet), strings.ToLower(rc.ServiceWallet),
		rc.OnchainStatusSnapshot,
	}, "|")
	return hex.EncodeToString(crypto.Keccak256([]byte(tuple)))
}

// IntentHash is the deterministic binding a tongo_attestation_v1 proof
// envelope must carry (spec §3/§9 glossary "Intent hash"): keccak256 over
// the payment's canonical tuple, so a proof minted for one payment can never
// be rebound to another challenge, recipient, token, or amount.
func IntentHash(challengeID, contextHash, recipient, token, tongoAddress, amount, replayKey, nonce string, expiresAt time.Time) string {
	tuple := strings.Join([]string{
		challengeID, contextHash,
		strings.ToLower(recipient), strings.ToLower(token), strings.ToLower(tongoAddress),
		amount, replayKey, nonce,
		strconv.FormatInt(expiresAt.Unix(), 10),
	}, "|")
	return hex.EncodeToString(crypto.Keccak256([]byte(tuple)))
}

// decodeTongoEnvelope hex-decodes proof and unmarshals it as a
// tongo_attestation_v1 envelope. The core treats the proof itself as an
// opaque blob (spec non-goal: shielded-transfer cryptography) — only the
// envelope's version marker and intent_hash are ever inspected.
func decodeTongoEnvelope(proof string) (*TongoEnvelope, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(proof, "0x"))
	if err != nil {
		return nil, err
	}
	var env TongoEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Version != TongoEnvelopeVersion {
		return nil, errUnsupportedEnvelope
	}
	return &env, nil
}

// IssueChallenge creates and persists a new Challenge for a billable run.
func (p *Paywall) IssueChallenge(ctx context.Context, runID string, rc RequestContext, minAmount, token, recipient string) (Challenge, error) {
	rawID := uuid.New()
	id := hex.EncodeToString(rawID[:])
	ch := Challenge{
		ChallengeID: id,
		RunID:       runID,
		ContextHash: ContextHash(rc),
		MinAmount:   minAmount,
		Token:       token,
		Recipient:   recipient,
		ExpiresAt:   p.now().Add(p.challengeTTL),
	}
	if err := p.rdb.HSet(ctx, challengeKey(id),
		"run_id", ch.RunID,
		"context_hash", ch.ContextHash,
		"min_amount", ch.MinAmount,
		"token", ch.Token,
		"recipient", ch.Recipient,
		"expires_at", strconv.FormatInt(ch.ExpiresAt.Unix(), 10),
	).Err(); err != nil {
		return Challenge{}, err
	}
	if err := p.rdb.Expire(ctx, challengeKey(id), p.challengeTTL*2).Err(); err != nil {
		return Challenge{}, err
	}
	return ch, nil
}

func (p *Paywall) getChallenge(ctx context.Context, id string) (*Challenge, error) {
	vals, err := p.rdb.HGetAll(ctx, challengeKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	expiresUnix, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	return &Challenge{
		ChallengeID: id,
		RunID:       vals["run_id"],
		ContextHash: vals["context_hash"],
		MinAmount:   vals["min_amount"],
		Token:       vals["token"],
		Recipient:   vals["recipient"],
		ExpiresAt:   time.Unix(expiresUnix, 0).UTC(),
	}, nil
}

// VerifyPayment runs the ordered check list from spec §4.8 and returns the
// matched Challenge on success. The check order is significant: the first
// failing check determines the reported reason code. rc is the request
// context recomputed from current server-side state at verify time (not the
// one frozen into the challenge at issuance) — it is what lets a stale
// challenge whose underlying profile/identity context has since changed be
// told apart from a client payload that never matched what was issued.
func (p *Paywall) VerifyPayment(ctx context.Context, payload PaymentPayload, rc RequestContext) (*Challenge, *apierr.Error) {
	if payload.ChallengeID == "" || payload.ReplayKey == "" || payload.ContextHash == "" {
		return nil, apierr.Payment("INVALID_PAYLOAD", "payment payload is missing required fields")
	}

	ch, err := p.getChallenge(ctx, payload.ChallengeID)
	if err != nil {
		return nil, apierr.Internal("INTERNAL", err.Error())
	}
	if ch == nil {
		return nil, apierr.Payment("INVALID_PAYLOAD", "unknown challenge_id")
	}

	if ch.ContextHash != payload.ContextHash {
		return nil, apierr.Payment("CONTEXT_MISMATCH", "payment context_hash does not match the issued challenge")
	}
	if ContextHash(rc) != ch.ContextHash {
		return nil, apierr.Payment("ONCHAIN_IDENTITY_CONTEXT_MISMATCH", "request context has changed on-chain since the challenge was issued")
	}

	if p.now().After(ch.ExpiresAt) {
		return nil, apierr.Payment("EXPIRED_PAYMENT", "challenge has expired")
	}

	fresh, rerr := p.claimReplayKey(ctx, payload.ReplayKey)
	if rerr != nil {
		return nil, apierr.Internal("INTERNAL", rerr.Error())
	}
	if !fresh {
		return nil, apierr.Payment("REPLAY_DETECTED", "replay_key has already been used")
	}

	env, everr := decodeTongoEnvelope(payload.TongoProof)
	if everr != nil {
		return nil, apierr.Payment("INVALID_TONGO_PROOF", "tongo_proof is malformed")
	}
	expectedIntent := IntentHash(
		payload.ChallengeID, payload.ContextHash, ch.Recipient, payload.Token,
		payload.TongoAddress, payload.Amount, payload.ReplayKey, payload.Nonce, payload.ExpiresAt,
	)
	if !strings.EqualFold(env.IntentHash, expectedIntent) {
		return nil, apierr.Payment("INVALID_TONGO_PROOF", "tongo_proof intent hash does not match the payment")
	}

	if !strings.EqualFold(payload.Token, ch.Token) || amountBelow(payload.Amount, ch.MinAmount) {
		return nil, apierr.Payment("POLICY_DENIED", "amount below min_amount or token mismatch")
	}

	return ch, nil
}

// claimReplayKey atomically claims a replay_key; false means it was
// already claimed by a prior request.
func (p *Paywall) claimReplayKey(ctx context.Context, replayKey string) (bool, error) {
	ok, err := p.rdb.SetNX(ctx, replayKeyPrefix+replayKey, "settling", 48*time.Hour).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// markReplaySettled records the terminal status of a claimed replay key.
func (p *Paywall) markReplaySettled(ctx context.Context, replayKey, status string) {
	p.rdb.Set(ctx, replayKeyPrefix+replayKey, status, 48*time.Hour)
}

func amountBelow(amount, minAmount string) bool {
	a, err1 := strconv.ParseInt(amount, 10, 64)
	m, err2 := strconv.ParseInt(minAmount, 10, 64)
	if err1 != nil || err2 != nil {
		return true
	}
	return a < m
}

// PaymentRef derives the run-ready payment reference from a claimed
// replay key (spec §4.8: paymentRef = "pay_" + replayKey).
func PaymentRef(replayKey string) string { return "pay_" + replayKey }

// SettleOnce submits the payment for settlement and returns the
// facilitator's immediate verdict without blocking — a "pending" verdict
// means the caller should return the run as pending_payment and invoke
// WaitForSettlement out of band (spec §4.8/§4.10 step 8).
func (p *Paywall) SettleOnce(ctx context.Context, payload PaymentPayload) (SettleResult, *apierr.Error) {
	result, err := p.facilitator.Settle(ctx, payload)
	if err != nil {
		return SettleResult{}, apierr.Payment("RPC_FAILURE", err.Error())
	}
	switch result.Status {
	case SettlementSettled:
		p.markReplaySettled(ctx, payload.ReplayKey, "settled")
	case SettlementFailed:
		p.markReplaySettled(ctx, payload.ReplayKey, "failed")
	}
	return result, nil
}

// WaitForSettlement polls the facilitator on a fixed interval, bounded by
// p.timeout, reporting TIMEOUT if settlement never resolves in time. Mirrors
// the shape of the teacher's RunGenerator ticker loop, bounded here by
// context.WithTimeout instead of a process-lifetime ticker. Intended to run
// in a background goroutine the same way proxy.Handler fires
// "go h.billing.OnCreate(...)" after a synchronous response is already sent.
func (p *Paywall) WaitForSettlement(ctx context.Context, replayKey string) (SettleResult, *apierr.Error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 0; p.maxAttempts <= 0 || attempt < p.maxAttempts; attempt++ {
		select {
		case <-waitCtx.Done():
			return SettleResult{}, apierr.Payment("TIMEOUT", "settlement did not resolve before the deadline")
		case <-ticker.C:
			result, err := p.facilitator.PollStatus(waitCtx, replayKey)
			if err != nil {
				continue
			}
			switch result.Status {
			case SettlementSettled:
				p.markReplaySettled(waitCtx, replayKey, "settled")
				return result, nil
			case SettlementFailed:
				p.markReplaySettled(waitCtx, replayKey, "failed")
				return SettleResult{}, apierr.Conflict("SETTLEMENT_FAILED", "settlement failed")
			}
		}
	}
	return SettleResult{}, apierr.Payment("TIMEOUT", "settlement did not resolve before the deadline")
}
