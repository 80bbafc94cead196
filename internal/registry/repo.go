package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agentic-marketplace/core/internal/model"
)

// ProfileRepo is the persistence contract from spec §6 — "an implementation
// may be in-memory, SQL, or KV". This package ships the in-memory reference
// implementation; entity repositories expose atomic Create/UpdateIfMatches
// per spec §5 so the core never needs to hold a lock across I/O.
type ProfileRepo interface {
	Create(ctx context.Context, p model.AgentProfile) error
	Upsert(ctx context.Context, p model.AgentProfile) error
	Get(ctx context.Context, agentID string) (*model.AgentProfile, bool, error)
	List(ctx context.Context, f Filters) ([]model.AgentProfile, error)
	UpdateIfMatches(ctx context.Context, agentID string, mutate func(p *model.AgentProfile) error) (*model.AgentProfile, error)
}

// Filters mirrors the list/discover query parameters from spec §4.4/§4.5.
type Filters struct {
	AgentType    string
	Capability   string
	VerifiedOnly bool
	Status       string
	Limit        int
	Offset       int
}

type memRepo struct {
	mu       sync.RWMutex
	profiles map[string]model.AgentProfile
}

func NewMemRepo() ProfileRepo {
	return &memRepo{profiles: make(map[string]model.AgentProfile)}
}

func (r *memRepo) Create(ctx context.Context, p model.AgentProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.AgentID] = p
	return nil
}

func (r *memRepo) Upsert(ctx context.Context, p model.AgentProfile) error {
	return r.Create(ctx, p)
}

func (r *memRepo) Get(ctx context.Context, agentID string) (*model.AgentProfile, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return nil, false, nil
	}
	out := p
	return &out, true, nil
}

// UpdateIfMatches reads, mutates, and writes back under the repo-wide lock,
// which serializes updates to every profile (a stricter form of spec §5's
// per-key mutex) so concurrent retries never interleave.
func (r *memRepo) UpdateIfMatches(ctx context.Context, agentID string, mutate func(p *model.AgentProfile) error) (*model.AgentProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return nil, nil
	}
	if err := mutate(&p); err != nil {
		return nil, err
	}
	r.profiles[agentID] = p
	out := p
	return &out, nil
}

func (r *memRepo) List(ctx context.Context, f Filters) ([]model.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]model.AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if f.AgentType != "" && string(p.AgentType) != f.AgentType {
			continue
		}
		if f.Status != "" && string(p.Status) != f.Status {
			continue
		}
		if f.VerifiedOnly && !p.Verified {
			continue
		}
		if f.Capability != "" && !p.HasCapability(strings.ToLower(f.Capability)) {
			continue
		}
		matches = append(matches, p)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].AgentID < matches[j].AgentID })

	offset := f.Offset
	if offset < 0 || offset > len(matches) {
		offset = len(matches)
	}
	matches = matches[offset:]

	limit := f.Limit
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}
