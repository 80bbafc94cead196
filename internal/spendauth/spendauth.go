// Package spendauth implements the on-chain spend-authorization delegation
// validate/consume flow from spec §4.9: a run may only draw down a
// delegation's remaining allowance atomically, so two concurrent runs
// against the same delegation can never both succeed past the authorized
// amount, and only while the delegation is active, within its validity
// window, scoped to an allowed action, and within its per-run cap.
package spendauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get/Consume when no delegation exists for id.
var ErrNotFound = errors.New("delegation not found")

// ErrInsufficientAllowance is returned by Consume when the remaining
// allowance is smaller than the requested amount.
var ErrInsufficientAllowance = errors.New("insufficient remaining allowance")

// ErrInactive is returned by Consume when the delegation's status is not
// active (e.g. revoked).
var ErrInactive = errors.New("delegation is not active")

// ErrOutsideValidityWindow is returned by Consume when now is before
// ValidFrom or after ValidUntil.
var ErrOutsideValidityWindow = errors.New("delegation is outside its validity window")

// ErrActionNotAllowed is returned by Consume when the requested action is
// not in the delegation's AllowedActions.
var ErrActionNotAllowed = errors.New("action is not permitted by this delegation")

// ErrExceedsMaxPerRun is returned by Consume when amount exceeds the
// delegation's MaxPerRun cap.
var ErrExceedsMaxPerRun = errors.New("amount exceeds the delegation's max_per_run cap")

// ErrTokenMismatch is returned by Consume when the requested token does not
// match the delegation's authorized token.
var ErrTokenMismatch = errors.New("token does not match the delegation's authorized token")

// DelegationStatus is the lifecycle state of a spend-authorization
// delegation (spec §3).
type DelegationStatus string

const (
	DelegationStatusActive  DelegationStatus = "active"
	DelegationStatusRevoked DelegationStatus = "revoked"
)

// Delegation is the spend-authorization record an operator grants an agent
// hire, mirroring spec §3's delegation_evidence fields and §4.9's
// validateSpendAuthorization inputs.
type Delegation struct {
	ID               string
	OperatorWallet   string
	AgentID          string
	AuthorizedAmount string
	MaxPerRun        string
	Token            string
	Status           DelegationStatus
	ValidFrom        time.Time
	ValidUntil       time.Time
	AllowedActions   []string
	CreatedAt        time.Time
}

func (d Delegation) allows(action string) bool {
	for _, a := range d.AllowedActions {
		if strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// ChainWriter submits the on-chain delegation-consume and escrow-transfer
// transactions backing a validated draw-down, the same pluggable shape as
// identity.Checker: the core never depends on a concrete chain client.
type ChainWriter interface {
	Consume(ctx context.Context, delegationID, amount string) (delegationTxHash, escrowTxHash string)
}

// NoopChainWriter is used when no on-chain spend-authorization contract is
// configured for this deployment — draw-downs are still validated and
// tracked atomically in Redis, but the evidence record carries no tx hashes.
type NoopChainWriter struct{}

func (NoopChainWriter) Consume(ctx context.Context, delegationID, amount string) (string, string) {
	return "", ""
}

// consumeScript checks the remaining allowance and decrements it in one
// round trip — the same shape as the teacher's seedAndIncrScript, adapted
// from "seed then increment" to "check then decrement".
//
// KEYS[1] = remaining allowance key
// ARGV[1] = amount to consume
//
// Returns -1 if the key is absent (unknown delegation), -2 if the
// remaining allowance is insufficient, otherwise the post-consume balance.
var consumeScript = redis.NewScript(`
local remaining = redis.call('GET', KEYS[1])
if not remaining then
  return -1
end
local bal = tonumber(remaining)
local amt = tonumber(ARGV[1])
if bal < amt then
  return -2
end
return redis.call('DECRBY', KEYS[1], amt)
`)

func remainingKey(delegationID string) string { return "spendauth:remaining:" + delegationID }

// Store is the in-memory delegation metadata repo, guarded by a single
// RWMutex over the whole map, the same mutex-protected map shape the
// registry and hire ledgers use.
// Remaining-allowance bookkeeping lives in Redis so Consume is atomic
// across process instances; metadata here never needs cross-process
// coordination.
type Store struct {
	mu          sync.RWMutex
	delegations map[string]Delegation
	rdb         *redis.Client
	chainWriter ChainWriter
	now         func() time.Time
}

func New(rdb *redis.Client, chainWriter ChainWriter) *Store {
	return &Store{
		delegations: make(map[string]Delegation),
		rdb:         rdb,
		chainWriter: chainWriter,
		now:         time.Now,
	}
}

// Register records a delegation and seeds its Redis-backed remaining
// allowance counter from AuthorizedAmount.
func (s *Store) Register(ctx context.Context, d Delegation) error {
	amount, err := strconv.ParseInt(d.AuthorizedAmount, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid authorized_amount %q: %w", d.AuthorizedAmount, err)
	}
	if err := s.rdb.Set(ctx, remainingKey(d.ID), amount, 0).Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.delegations[d.ID] = d
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(id string) (Delegation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	return d, ok
}

// ConsumeResult is the post-consume snapshot spec §4.9 attaches to a run's
// delegation_evidence.
type ConsumeResult struct {
	DelegationID               string
	AuthorizedAmount           string
	ConsumedAmount             string
	RemainingAllowanceSnapshot string
	DelegationConsumeTxHash    string
	EscrowTransferTxHash       string
}

// Consume validates a draw-down against spec §4.9's validateSpendAuthorization
// checks — active status, validity window, allowed action, token match,
// per-run cap — then atomically checks and decrements the delegation's
// remaining allowance by amount. Returns ErrNotFound for an unregistered or
// operator/agent-mismatched delegation, and the matching sentinel error for
// whichever validation check fails first.
func (s *Store) Consume(ctx context.Context, delegationID, operatorWallet, agentID, action, token, amount string) (ConsumeResult, error) {
	d, ok := s.Get(delegationID)
	if !ok {
		return ConsumeResult{}, ErrNotFound
	}
	if !strings.EqualFold(d.OperatorWallet, operatorWallet) || d.AgentID != agentID {
		return ConsumeResult{}, ErrNotFound
	}

	if d.Status != DelegationStatusActive {
		return ConsumeResult{}, ErrInactive
	}
	now := s.now()
	if now.Before(d.ValidFrom) || now.After(d.ValidUntil) {
		return ConsumeResult{}, ErrOutsideValidityWindow
	}
	if !d.allows(action) {
		return ConsumeResult{}, ErrActionNotAllowed
	}
	if !strings.EqualFold(d.Token, token) {
		return ConsumeResult{}, ErrTokenMismatch
	}
	if exceedsMaxPerRun(amount, d.MaxPerRun) {
		return ConsumeResult{}, ErrExceedsMaxPerRun
	}

	res, err := consumeScript.Run(ctx, s.rdb, []string{remainingKey(delegationID)}, amount).Int64()
	if err != nil {
		return ConsumeResult{}, err
	}
	switch res {
	case -1:
		return ConsumeResult{}, ErrNotFound
	case -2:
		return ConsumeResult{}, ErrInsufficientAllowance
	default:
		delegationTxHash, escrowTxHash := s.chainWriter.Consume(ctx, delegationID, amount)
		return ConsumeResult{
			DelegationID:               delegationID,
			AuthorizedAmount:           d.AuthorizedAmount,
			ConsumedAmount:             amount,
			RemainingAllowanceSnapshot: strconv.FormatInt(res, 10),
			DelegationConsumeTxHash:    delegationTxHash,
			EscrowTransferTxHash:       escrowTxHash,
		}, nil
	}
}

func exceedsMaxPerRun(amount, maxPerRun string) bool {
	if maxPerRun == "" {
		return false
	}
	a, err1 := strconv.ParseInt(amount, 10, 64)
	m, err2 := strconv.ParseInt(maxPerRun, 10, 64)
	if err1 != nil || err2 != nil {
		return true
	}
	return a > m
}
