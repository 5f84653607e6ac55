package playbook

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Registry indexes playbooks by name and by tier. Registration happens
// once at startup from the catalogue; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Playbook
	byTier map[Tier][]Playbook
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Playbook),
		byTier: make(map[Tier][]Playbook),
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// Register adds a playbook. A duplicate name is rejected and the existing
// registration kept.
func (r *Registry) Register(p Playbook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.byName[name]; exists {
		r.logger.Printf("⚠️ duplicate playbook %q rejected, keeping first registration", name)
		return fmt.Errorf("playbook %q already registered", name)
	}
	r.byName[name] = p
	tier := p.Tier()
	r.byTier[tier] = append(r.byTier[tier], p)
	sort.SliceStable(r.byTier[tier], func(i, j int) bool {
		return r.byTier[tier][i].Priority() < r.byTier[tier][j].Priority()
	})
	return nil
}

// ByName looks a playbook up by its unique name.
func (r *Registry) ByName(name string) (Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// ForTier returns the tier's playbooks in priority order.
func (r *Registry) ForTier(tier Tier) []Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Playbook, len(r.byTier[tier]))
	copy(out, r.byTier[tier])
	return out
}

// Len reports how many playbooks are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Applicable filters the tier's playbooks down to those whose CanApply
// says yes. A CanApply error or panic counts as "no": one broken playbook
// must not take the incident down.
func (r *Registry) Applicable(ctx context.Context, tier Tier, fix FixContext, evidence []Evidence) []Playbook {
	var out []Playbook
	for _, p := range r.ForTier(tier) {
		ok, err := r.safeCanApply(ctx, p, fix, evidence)
		if err != nil {
			r.logger.Printf("playbook %s CanApply error, skipping: %v", p.Name(), err)
			continue
		}
		if ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) safeCanApply(ctx context.Context, p Playbook, fix FixContext, evidence []Evidence) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = fmt.Errorf("panic in CanApply: %v", rec)
		}
	}()
	return p.CanApply(ctx, fix, evidence)
}
