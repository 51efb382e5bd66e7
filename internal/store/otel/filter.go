package otel

import (
	"path"

	"github.com/agentsh/sigguard/pkg/types"
)

// Filter controls which events are exported. Type patterns use path.Match
// syntax, so "signal_*" matches every signal decision.
type Filter struct {
	IncludeTypes      []string
	ExcludeTypes      []string
	IncludeCategories []string
	ExcludeCategories []string
	DeniedOnly        bool
}

func (f *Filter) Match(eventType, category string, decision types.Decision) bool {
	if f == nil {
		return true
	}

	if len(f.IncludeTypes) > 0 && !anyPattern(f.IncludeTypes, eventType) {
		return false
	}
	if len(f.IncludeCategories) > 0 && !contains(f.IncludeCategories, category) {
		return false
	}
	if anyPattern(f.ExcludeTypes, eventType) {
		return false
	}
	if contains(f.ExcludeCategories, category) {
		return false
	}
	// Lifecycle events carry no decision and always pass.
	if f.DeniedOnly && decision == types.DecisionAllow {
		return false
	}
	return true
}

func anyPattern(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
