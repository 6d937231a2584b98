package scoring

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// CustomRule is a named scoring function evaluated alongside the core formula.
type CustomRule func(Features) (float64, error)

// Registry holds custom rules. Writers copy the rule set and publish it
// atomically, so readers never observe a partial update.
type Registry struct {
	mu     sync.Mutex
	rules  atomic.Pointer[map[string]CustomRule]
	logger *slog.Logger
}

// NewRegistry creates an empty rule registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger
	}
	r := &Registry{logger: logger}
	empty := make(map[string]CustomRule)
	r.rules.Store(&empty)
	return r
}

// Register stores rule under name. An existing rule with the same name is replaced.
func (r *Registry) Register(name string, rule CustomRule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.rules.Load()
	next := make(map[string]CustomRule, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = rule
	r.rules.Store(&next)
}

// Unregister removes a rule. It reports whether the rule existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.rules.Load()
	if _, ok := current[name]; !ok {
		return false
	}
	next := make(map[string]CustomRule, len(current))
	for k, v := range current {
		if k != name {
			next[k] = v
		}
	}
	r.rules.Store(&next)
	return true
}

// Replace swaps the whole rule set.
func (r *Registry) Replace(rules map[string]CustomRule) {
	next := make(map[string]CustomRule, len(rules))
	for k, v := range rules {
		next[k] = v
	}

	r.mu.Lock()
	r.rules.Store(&next)
	r.mu.Unlock()
}

// Names returns the registered rule names in sorted order.
func (r *Registry) Names() []string {
	rules := *r.rules.Load()
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(*r.rules.Load())
}

// EvaluateAll runs every rule against features. Failing rules are logged,
// reported in the returned errors and left out of the results.
func (r *Registry) EvaluateAll(features Features) (map[string]float64, []RuleError) {
	rules := *r.rules.Load()
	results := make(map[string]float64, len(rules))
	var failures []RuleError

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, err := invoke(rules[name], features)
		if err != nil {
			r.logger.Error("custom rule failed", "rule", name, "error", err)
			failures = append(failures, RuleError{Name: name, Err: err})
			continue
		}
		results[name] = value
	}

	return results, failures
}

func invoke(rule CustomRule, features Features) (value float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	// each rule receives its own copy of the features
	in := make(Features, len(features))
	for k, v := range features {
		in[k] = v
	}
	return rule(in)
}
