package runner

import (
	"context"
	"sort"
	"sync"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
)

// Automation is one browser script: (provider, action) → result. The
// runtime never switches on provider strings; everything goes through this
// registry. Automations signal a business failure by returning *ExecError;
// any other error is classified as a system error.

type Automation func(ctx context.Context, params job.Parameters) (job.Result, error)

type automationKey struct {
	Provider job.Provider
	Action   job.Action
}

type AutomationRegistry struct {
	mu sync.RWMutex
	m  map[automationKey]Automation
}

func NewAutomationRegistry() *AutomationRegistry {
	return &AutomationRegistry{m: make(map[automationKey]Automation)}
}

func (r *AutomationRegistry) Register(p job.Provider, a job.Action, fn Automation) {
	r.mu.Lock()
	r.m[automationKey{Provider: p, Action: a}] = fn
	r.mu.Unlock()
}

func (r *AutomationRegistry) Lookup(p job.Provider, a job.Action) (Automation, bool) {
	r.mu.RLock()
	fn, ok := r.m[automationKey{Provider: p, Action: a}]
	r.mu.RUnlock()

	return fn, ok
}

// Providers lists every provider with at least one registered automation.

func (r *AutomationRegistry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)

	for k := range r.m {
		seen[string(k.Provider)] = true
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)

	return out
}

func (r *AutomationRegistry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)

	for k := range r.m {
		seen[string(k.Action)] = true
	}

	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)

	return out
}
