package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestPaywall(t *testing.T, facilitatorURL string) (*Paywall, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	facilitator := NewFacilitator(facilitatorURL, "", 2*time.Second)
	pw := New(rdb, facilitator, time.Minute, 10*time.Millisecond, 200*time.Millisecond, 0)
	return pw, mr
}

func testContext() RequestContext {
	return RequestContext{
		Method: "POST", Path: "/marketplace/runs", HireID: "hire-1",
		AgentID: "agent-1", Action: "swap", OperatorWallet: "0xop", ServiceWallet: "0xsvc",
	}
}

// encodeTongoEnvelope hex-encodes a tongo_attestation_v1 envelope the way a
// real proof submission would, so tests exercise the same decode path
// VerifyPayment does rather than a raw stub string.
func encodeTongoEnvelope(env TongoEnvelope) string {
	raw, _ := json.Marshal(env)
	return "0x" + hex.EncodeToString(raw)
}

// validPayload builds a PaymentPayload with a well-formed tongo proof whose
// intent hash correctly binds to ch and the payload's own fields, so tests
// exercising other failure modes don't also trip INVALID_TONGO_PROOF.
func validPayload(ch Challenge) PaymentPayload {
	p := PaymentPayload{
		Version:      1,
		Scheme:       "cloak-shielded-x402",
		ChallengeID:  ch.ChallengeID,
		ReplayKey:    "rk-1",
		ContextHash:  ch.ContextHash,
		Amount:       "1000",
		Token:        ch.Token,
		TongoAddress: "0xtongo0000000000000000000000000000000aa",
		Nonce:        "nonce-1",
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}
	intent := IntentHash(p.ChallengeID, p.ContextHash, ch.Recipient, p.Token, p.TongoAddress, p.Amount, p.ReplayKey, p.Nonce, p.ExpiresAt)
	p.TongoProof = encodeTongoEnvelope(TongoEnvelope{Version: TongoEnvelopeVersion, IntentHash: intent})
	return p
}

func TestIssueChallenge_ThenVerifySucceeds(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	ch, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	verified, verr := pw.VerifyPayment(context.Background(), validPayload(ch), testContext())
	if verr != nil {
		t.Fatalf("unexpected error: %+v", verr)
	}
	if verified.ChallengeID != ch.ChallengeID {
		t.Fatalf("expected matching challenge id")
	}
}

func TestVerifyPayment_UnknownChallenge(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	_, verr := pw.VerifyPayment(context.Background(), PaymentPayload{
		ChallengeID: "missing", ReplayKey: "rk-1", ContextHash: "x", TongoProof: "0xab11ab11ab11ab11",
	}, testContext())
	if verr == nil || verr.Code != "INVALID_PAYLOAD" {
		t.Fatalf("expected INVALID_PAYLOAD, got %+v", verr)
	}
}

func TestVerifyPayment_ContextMismatch(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	ch, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := validPayload(ch)
	payload.ContextHash = "deadbeef"
	_, verr := pw.VerifyPayment(context.Background(), payload, testContext())
	if verr == nil || verr.Code != "CONTEXT_MISMATCH" {
		t.Fatalf("expected CONTEXT_MISMATCH, got %+v", verr)
	}
}

// TestVerifyPayment_OnchainIdentityContextMismatch reproduces spec §8
// scenario S6: the client retries with the unchanged original payload and
// challenge, but the service_wallet backing the request context has since
// changed server-side, so the hash recomputed from current state no longer
// matches what was issued.
func TestVerifyPayment_OnchainIdentityContextMismatch(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	issued := testContext()
	ch, err := pw.IssueChallenge(context.Background(), "run-1", issued, "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := validPayload(ch)

	mutated := testContext()
	mutated.ServiceWallet = "0xnewservicewallet000000000000000000000"
	_, verr := pw.VerifyPayment(context.Background(), payload, mutated)
	if verr == nil || verr.Code != "ONCHAIN_IDENTITY_CONTEXT_MISMATCH" {
		t.Fatalf("expected ONCHAIN_IDENTITY_CONTEXT_MISMATCH, got %+v", verr)
	}
}

func TestVerifyPayment_ReplayDetected(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	ch, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := validPayload(ch)
	if _, verr := pw.VerifyPayment(context.Background(), payload, testContext()); verr != nil {
		t.Fatalf("unexpected error on first verify: %+v", verr)
	}

	ch2, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	replay := validPayload(ch2)
	replay.ReplayKey = payload.ReplayKey
	_, verr := pw.VerifyPayment(context.Background(), replay, testContext())
	if verr == nil || verr.Code != "REPLAY_DETECTED" {
		t.Fatalf("expected REPLAY_DETECTED, got %+v", verr)
	}
}

func TestVerifyPayment_InvalidTongoProof(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	ch, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := validPayload(ch)
	payload.TongoProof = "nope"
	_, verr := pw.VerifyPayment(context.Background(), payload, testContext())
	if verr == nil || verr.Code != "INVALID_TONGO_PROOF" {
		t.Fatalf("expected INVALID_TONGO_PROOF, got %+v", verr)
	}
}

// TestVerifyPayment_TongoProofWrongIntentHash exercises a well-formed,
// correctly-versioned envelope whose intent_hash simply doesn't bind to this
// payment — the envelope-rebinding attack the intent hash exists to defeat,
// distinct from the malformed-hex case above.
func TestVerifyPayment_TongoProofWrongIntentHash(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	ch, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := validPayload(ch)
	payload.TongoProof = encodeTongoEnvelope(TongoEnvelope{Version: TongoEnvelopeVersion, IntentHash: "deadbeef"})
	_, verr := pw.VerifyPayment(context.Background(), payload, testContext())
	if verr == nil || verr.Code != "INVALID_TONGO_PROOF" {
		t.Fatalf("expected INVALID_TONGO_PROOF, got %+v", verr)
	}
}

func TestVerifyPayment_PolicyDeniedOnLowAmount(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	ch, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := validPayload(ch)
	payload.Amount = "1"
	_, verr := pw.VerifyPayment(context.Background(), payload, testContext())
	if verr == nil || verr.Code != "POLICY_DENIED" {
		t.Fatalf("expected POLICY_DENIED, got %+v", verr)
	}
}

func TestVerifyPayment_ExpiredChallenge(t *testing.T) {
	pw, _ := newTestPaywall(t, "")
	pw.challengeTTL = time.Millisecond
	ch, err := pw.IssueChallenge(context.Background(), "run-1", testContext(), "1000", "USDC", "0xrecipient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	_, verr := pw.VerifyPayment(context.Background(), validPayload(ch), testContext())
	if verr == nil || verr.Code != "EXPIRED_PAYMENT" {
		t.Fatalf("expected EXPIRED_PAYMENT, got %+v", verr)
	}
}

func TestContextHash_ChangesWithContext(t *testing.T) {
	a := ContextHash(testContext())
	rc2 := testContext()
	rc2.Action = "stake"
	b := ContextHash(rc2)
	if a == b {
		t.Fatalf("expected different actions to produce different context hashes")
	}
}

func TestIntentHash_ChangesWithRecipient(t *testing.T) {
	expiresAt := time.Now().UTC().Add(time.Hour)
	a := IntentHash("ch-1", "ctx-1", "0xrecipient1", "USDC", "0xtongo", "1000", "rk-1", "nonce-1", expiresAt)
	b := IntentHash("ch-1", "ctx-1", "0xrecipient2", "USDC", "0xtongo", "1000", "rk-1", "nonce-1", expiresAt)
	if a == b {
		t.Fatalf("expected different recipients to produce different intent hashes")
	}
}

func TestSettle_SettledImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"settled","settlement_tx_hash":"0xabc"}`))
	}))
	defer srv.Close()

	pw, _ := newTestPaywall(t, srv.URL)
	result, verr := pw.SettleOnce(context.Background(), PaymentPayload{ReplayKey: "rk-1"})
	if verr != nil {
		t.Fatalf("unexpected error: %+v", verr)
	}
	if result.Status != SettlementSettled || result.SettlementTxHash != "0xabc" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSettleOnce_ReportsPendingWithoutBlocking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()

	pw, _ := newTestPaywall(t, srv.URL)
	result, verr := pw.SettleOnce(context.Background(), PaymentPayload{ReplayKey: "rk-1"})
	if verr != nil {
		t.Fatalf("unexpected error: %+v", verr)
	}
	if result.Status != SettlementPending {
		t.Fatalf("expected pending status, got %+v", result)
	}
}

func TestWaitForSettlement_TimesOutWhenAlwaysPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()

	pw, _ := newTestPaywall(t, srv.URL)
	pw.timeout = 30 * time.Millisecond
	pw.pollInterval = 5 * time.Millisecond
	_, verr := pw.WaitForSettlement(context.Background(), "rk-1")
	if verr == nil || verr.Code != "TIMEOUT" {
		t.Fatalf("expected TIMEOUT, got %+v", verr)
	}
}
