package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/agentsh/sigguard/internal/procpath"
)

// DecisionAction is the outcome of a base policy rule.
type DecisionAction string

const (
	DecisionAllow DecisionAction = "allow"
	DecisionDeny  DecisionAction = "deny"
	// DecisionAudit allows delivery and logs the match.
	DecisionAudit DecisionAction = "audit"
)

// ParseAction validates an action string.
func ParseAction(s string) (DecisionAction, error) {
	switch a := DecisionAction(strings.ToLower(strings.TrimSpace(s))); a {
	case DecisionAllow, DecisionDeny, DecisionAudit:
		return a, nil
	default:
		return "", fmt.Errorf("invalid decision %q (want allow, deny or audit)", s)
	}
}

// Rule is one base policy rule as written in YAML.
type Rule struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Signals     []string   `yaml:"signals"`
	Target      TargetSpec `yaml:"target"`
	Decision    string     `yaml:"decision"`
	Message     string     `yaml:"message,omitempty"`
}

// Decision is the result of evaluating a signal against the rules.
type Decision struct {
	Action  DecisionAction
	Rule    string
	Message string
}

type compiledRule struct {
	rule    Rule
	action  DecisionAction
	signals map[int]struct{}
	target  *ParsedTarget
}

// Policy is the base signal policy: first matching rule wins, otherwise the
// default action applies. It is what the guard delegates to.
type Policy struct {
	rules     []compiledRule
	def       DecisionAction
	facts     Facts
	logger    *slog.Logger
	needsPath bool
	needsRel  bool
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithFacts overrides how sender/target relations are discovered.
func WithFacts(f Facts) PolicyOption {
	return func(p *Policy) { p.facts = f }
}

// WithPolicyLogger sets the logger used for audit matches.
func WithPolicyLogger(l *slog.Logger) PolicyOption {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPolicy compiles rules. An empty default means allow.
func NewPolicy(rules []Rule, def string, opts ...PolicyOption) (*Policy, error) {
	p := &Policy{
		def:    DecisionAllow,
		facts:  ProcFacts{},
		logger: slog.Default(),
	}
	if def != "" {
		a, err := ParseAction(def)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		if a == DecisionAudit {
			return nil, fmt.Errorf("default: audit is only valid on rules")
		}
		p.def = a
	}
	for _, opt := range opts {
		opt(p)
	}

	for i, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			name := rule.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		switch cr.target.Type {
		case TargetProcess:
			p.needsPath = true
		case TargetChildren, TargetDescendants, TargetSiblings, TargetParent, TargetUser, TargetRoot:
			p.needsRel = true
		}
		p.rules = append(p.rules, cr)
	}
	return p, nil
}

func compileRule(rule Rule) (compiledRule, error) {
	action, err := ParseAction(rule.Decision)
	if err != nil {
		return compiledRule{}, err
	}
	if len(rule.Signals) == 0 {
		return compiledRule{}, fmt.Errorf("no signals listed")
	}
	cr := compiledRule{
		rule:    rule,
		action:  action,
		signals: make(map[int]struct{}),
	}
	for _, spec := range rule.Signals {
		if IsSignalGroup(spec) {
			expanded, err := ExpandSignalGroup(spec)
			if err != nil {
				return compiledRule{}, err
			}
			for _, sig := range expanded {
				cr.signals[sig] = struct{}{}
			}
			continue
		}
		sig, err := SignalFromString(spec)
		if err != nil {
			return compiledRule{}, err
		}
		cr.signals[sig] = struct{}{}
	}

	target, err := ParseTargetSpec(rule.Target)
	if err != nil {
		return compiledRule{}, err
	}
	cr.target = target
	return cr, nil
}

// Len returns the number of compiled rules.
func (p *Policy) Len() int { return len(p.rules) }

// Default returns the action applied when no rule matches.
func (p *Policy) Default() DecisionAction { return p.def }

// Check evaluates sig against the rules.
func (p *Policy) Check(sig int, tc *TargetContext) Decision {
	for _, rule := range p.rules {
		if _, ok := rule.signals[sig]; !ok {
			continue
		}
		if !rule.target.Matches(tc) {
			continue
		}
		return Decision{Action: rule.action, Rule: rule.rule.Name, Message: rule.rule.Message}
	}
	return Decision{Action: p.def, Message: "no matching rule"}
}

// TaskKill implements lsm.SignalPolicy.
func (p *Policy) TaskKill(ctx context.Context, req *lsm.Request) lsm.Verdict {
	tc := TargetContext{SourcePID: req.Sender.PID}
	if req.Task != nil {
		tc.TargetPID = req.Task.PID()
		tc.TargetComm = req.Task.Comm()
		tc.TargetCmd = tc.TargetComm
		if p.needsPath {
			tc.TargetCmd = procpath.Resolve(req.Task, make([]byte, procpath.PathMax))
		}
	}
	if p.needsRel {
		p.facts.Fill(ctx, &tc)
	}

	dec := p.Check(req.Signal, &tc)
	switch dec.Action {
	case DecisionDeny:
		return lsm.Verdict{Err: lsm.ErrPermissionDenied, Rule: dec.Rule, Message: dec.Message}
	case DecisionAudit:
		p.logger.Info("base policy audit",
			"rule", dec.Rule,
			"signal", SignalName(req.Signal),
			"target_pid", tc.TargetPID,
			"sender_pid", tc.SourcePID,
		)
	}
	return lsm.Verdict{Allowed: true, Rule: dec.Rule, Message: dec.Message}
}
