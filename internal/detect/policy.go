// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package detect

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

// Rule describes one anti-pattern: a class of tools whose consecutive
// repetition past a threshold counts as a violation.
type Rule struct {
	Name string
	// Tools is the set of tool names forming the class. A tool may belong to
	// at most one rule; overlapping registrations historically caused the
	// same logical event to be counted several times and are rejected at
	// load time.
	Tools     []string
	Threshold int
	// Message optionally overrides the generated guidance text.
	Message string
}

// Policy is the full enforcement configuration for the pattern detector.
type Policy struct {
	Rules []Rule
	// BreakerThreshold is the cumulative violation count at which the
	// circuit breaker opens and the session is blocked.
	BreakerThreshold int
	// BurstWindow collapses multiple threshold crossings into a single
	// violation increment, so a legitimate burst cannot run away the breaker.
	BurstWindow time.Duration
	// DecayWindow is the idle period after which accumulated violation state
	// decays back to zero.
	DecayWindow time.Duration
	// HistoryLimit bounds how many recent events an evaluation loads.
	HistoryLimit int
}

// DefaultPolicy returns the built-in permissive policy. It is also the
// fail-open fallback whenever a configured policy cannot be loaded: policy
// configuration failures must never block all work.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: []Rule{
			{
				Name:      "consecutive_read",
				Tools:     []string{"read_file", "cat", "head", "tail", "list_dir", "glob"},
				Threshold: 5,
			},
			{
				Name:      "consecutive_search",
				Tools:     []string{"grep", "search", "web_search"},
				Threshold: 5,
			},
			{
				Name:      "consecutive_exec",
				Tools:     []string{"bash", "run", "exec"},
				Threshold: 8,
			},
		},
		BreakerThreshold: 5,
		BurstWindow:      10 * time.Second,
		DecayWindow:      5 * time.Minute,
		HistoryLimit:     50,
	}
}

// policyFile is the on-disk YAML shape. Windows are plain seconds to keep
// hand-edited policy files unambiguous.
type policyFile struct {
	Rules []struct {
		Name      string   `yaml:"name"`
		Tools     []string `yaml:"tools"`
		Threshold int      `yaml:"threshold"`
		Message   string   `yaml:"message"`
	} `yaml:"rules"`
	BreakerThreshold   int `yaml:"breaker_threshold"`
	BurstWindowSeconds int `yaml:"burst_window_seconds"`
	DecayWindowSeconds int `yaml:"decay_window_seconds"`
	HistoryLimit       int `yaml:"history_limit"`
}

// LoadPolicy reads a policy from a YAML file. It always returns a usable
// policy: on any read, parse, or validation failure it falls open to
// DefaultPolicy and reports the failure for diagnostics. An empty path means
// "use the default".
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return DefaultPolicy(), tgerr.Wrapf(err, tgerr.CodePolicyLoadFailure, "reading policy %s", path)
	}

	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return DefaultPolicy(), tgerr.Wrapf(err, tgerr.CodePolicyLoadFailure, "parsing policy %s", path)
	}

	policy := policyFromFile(file)
	if err := policy.Validate(); err != nil {
		return DefaultPolicy(), err
	}
	return policy, nil
}

func policyFromFile(file policyFile) *Policy {
	policy := DefaultPolicy()
	if len(file.Rules) > 0 {
		policy.Rules = nil
		for _, r := range file.Rules {
			policy.Rules = append(policy.Rules, Rule{
				Name:      r.Name,
				Tools:     r.Tools,
				Threshold: r.Threshold,
				Message:   r.Message,
			})
		}
	}
	if file.BreakerThreshold > 0 {
		policy.BreakerThreshold = file.BreakerThreshold
	}
	if file.BurstWindowSeconds > 0 {
		policy.BurstWindow = time.Duration(file.BurstWindowSeconds) * time.Second
	}
	if file.DecayWindowSeconds > 0 {
		policy.DecayWindow = time.Duration(file.DecayWindowSeconds) * time.Second
	}
	if file.HistoryLimit > 0 {
		policy.HistoryLimit = file.HistoryLimit
	}
	return policy
}

// Validate checks rule and threshold consistency. Duplicate rule names and
// tools claimed by more than one rule are rejected: a tool in two classes
// would double-count a single invocation.
func (p *Policy) Validate() error {
	if p.BreakerThreshold <= 0 {
		return tgerr.Errorf(tgerr.CodePolicyValidateInvalid,
			"policy: breaker_threshold must be > 0, got %d", p.BreakerThreshold)
	}
	if p.BurstWindow < 0 || p.DecayWindow <= 0 {
		return tgerr.New(tgerr.CodePolicyValidateInvalid, "policy: windows must be positive")
	}

	names := map[string]bool{}
	claimed := map[string]string{}
	for _, rule := range p.Rules {
		if rule.Name == "" {
			return tgerr.New(tgerr.CodePolicyValidateInvalid, "policy: rule name is required")
		}
		if names[rule.Name] {
			return tgerr.Errorf(tgerr.CodePolicyValidateInvalid,
				"policy: duplicate rule %q", rule.Name)
		}
		names[rule.Name] = true

		if rule.Threshold <= 0 {
			return tgerr.Errorf(tgerr.CodePolicyValidateInvalid,
				"policy: rule %q threshold must be > 0, got %d", rule.Name, rule.Threshold)
		}
		if len(rule.Tools) == 0 {
			return tgerr.Errorf(tgerr.CodePolicyValidateInvalid,
				"policy: rule %q has no tools", rule.Name)
		}
		for _, tool := range rule.Tools {
			if owner, dup := claimed[tool]; dup {
				return tgerr.Errorf(tgerr.CodePolicyValidateInvalid,
					"policy: tool %q registered by both %q and %q", tool, owner, rule.Name)
			}
			claimed[tool] = rule.Name
		}
	}
	return nil
}

// ruleFor returns the rule whose tool class contains the given tool.
func (p *Policy) ruleFor(tool string) *Rule {
	for i := range p.Rules {
		for _, t := range p.Rules[i].Tools {
			if t == tool {
				return &p.Rules[i]
			}
		}
	}
	return nil
}
