// Package rewrite applies operator-defined rules to requests before they
// reach the loader. Rules are evaluated in order and the first match wins.
package rewrite

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/l0p7/imgloader/internal/config"
	"github.com/l0p7/imgloader/internal/expr"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
)

// Rule is one rewrite. An empty Match applies to every request. URI and
// StableKey are CEL or template sources; empty leaves the field unchanged.
type Rule struct {
	Name        string
	Match       string
	URI         string
	StableKey   string
	Priority    request.Priority
	HasPriority bool
	Order       int
}

// FromConfig converts loaded rewrite definitions into rules sorted by Order,
// then name.
func FromConfig(defs map[string]config.RewriteConfig) []Rule {
	rules := make([]Rule, 0, len(defs))
	for name, def := range defs {
		p, ok := def.ParsedPriority()
		rules = append(rules, Rule{
			Name:        name,
			Match:       def.Match,
			URI:         def.URI,
			StableKey:   def.StableKey,
			Priority:    p,
			HasPriority: ok,
			Order:       def.Order,
		})
	}
	sortRules(rules)
	return rules
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Order == rules[j].Order {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].Order < rules[j].Order
	})
}

type compiled struct {
	rule      Rule
	match     *expr.Program
	uri       expr.Value
	stableKey expr.Value
}

// Engine holds the active rule set. Replace swaps it atomically so rules can
// be hot-reloaded while requests are in flight.
type Engine struct {
	evaluator *expr.HybridEvaluator
	network   netstate.Provider
	logger    *slog.Logger
	rules     atomic.Pointer[[]compiled]
	skipped   atomic.Pointer[[]config.DefinitionSkip]
}

// New builds an engine with no rules. network may be nil, in which case
// rules see a connected network of unknown type.
func New(network netstate.Provider, logger *slog.Logger) (*Engine, error) {
	evaluator, err := expr.NewHybridEvaluator(nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		evaluator: evaluator,
		network:   network,
		logger:    logger.With(slog.String("agent", "rewrite")),
	}
	e.rules.Store(&[]compiled{})
	e.skipped.Store(&[]config.DefinitionSkip{})
	return e, nil
}

// Replace compiles rules and makes them active. Rules that fail to compile
// are left out and reported in the returned error; the rest still apply.
func (e *Engine) Replace(rules []Rule) error {
	sorted := append([]Rule(nil), rules...)
	sortRules(sorted)

	next := make([]compiled, 0, len(sorted))
	var errs []error
	for _, rule := range sorted {
		c, err := e.compile(rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("rewrite: rule %q: %w", rule.Name, err))
			continue
		}
		next = append(next, c)
	}
	e.rules.Store(&next)
	e.logger.Info("rewrite rules loaded", slog.Int("rules", len(next)), slog.Int("rejected", len(errs)))
	return errors.Join(errs...)
}

// ApplyBundle is the config.WatchRewrites callback shape. Definitions the
// config loader skipped are kept for Skipped.
func (e *Engine) ApplyBundle(bundle config.RewriteBundle) {
	skipped := append([]config.DefinitionSkip(nil), bundle.Skipped...)
	e.skipped.Store(&skipped)
	for _, skip := range bundle.Skipped {
		e.logger.Warn("rewrite definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources))
	}
	if err := e.Replace(FromConfig(bundle.Rewrites)); err != nil {
		e.logger.Error("rewrite rules rejected", slog.Any("error", err))
	}
}

// Skipped returns the definitions the last applied bundle quarantined.
func (e *Engine) Skipped() []config.DefinitionSkip {
	return append([]config.DefinitionSkip(nil), *e.skipped.Load()...)
}

// Names lists the active rules in evaluation order.
func (e *Engine) Names() []string {
	rules := *e.rules.Load()
	names := make([]string, len(rules))
	for i, c := range rules {
		names[i] = c.rule.Name
	}
	return names
}

func (e *Engine) compile(rule Rule) (compiled, error) {
	c := compiled{rule: rule}
	if strings.TrimSpace(rule.Match) != "" {
		prog, err := e.evaluator.Environment().Compile(rule.Match)
		if err != nil {
			return compiled{}, err
		}
		c.match = &prog
	}
	var err error
	if c.uri, err = e.evaluator.Compile(rule.Name+".uri", rule.URI); err != nil {
		return compiled{}, err
	}
	if c.stableKey, err = e.evaluator.Compile(rule.Name+".stableKey", rule.StableKey); err != nil {
		return compiled{}, err
	}
	return c, nil
}

// TransformRequest applies the first matching rule to req.
func (e *Engine) TransformRequest(req request.Request) (request.Request, error) {
	rules := *e.rules.Load()
	if len(rules) == 0 {
		return req, nil
	}

	info := netstate.Info{Connected: true, Type: netstate.TypeUnknown}
	airplane := false
	if e.network != nil {
		info = e.network.Current()
		airplane = e.network.AirplaneMode()
	}
	activation := expr.RequestContext(req, info, airplane)

	for _, c := range rules {
		if c.match != nil {
			ok, err := c.match.EvalBool(activation)
			if err != nil {
				return req, fmt.Errorf("rewrite: rule %q: %w", c.rule.Name, err)
			}
			if !ok {
				continue
			}
		}
		out, err := c.apply(req, activation)
		if err != nil {
			return req, fmt.Errorf("rewrite: rule %q: %w", c.rule.Name, err)
		}
		e.logger.Debug("request rewritten",
			slog.String("rule", c.rule.Name),
			slog.String("from", req.Name()),
			slog.String("to", out.Name()))
		return out, nil
	}
	return req, nil
}

func (c compiled) apply(req request.Request, activation map[string]any) (request.Request, error) {
	if c.uri.Source() != "" {
		uri, err := evalString(c.uri, activation)
		if err != nil {
			return req, fmt.Errorf("uri: %w", err)
		}
		if uri == "" {
			return req, errors.New("uri evaluated to an empty string")
		}
		req.URI = uri
	}
	if c.stableKey.Source() != "" {
		key, err := evalString(c.stableKey, activation)
		if err != nil {
			return req, fmt.Errorf("stableKey: %w", err)
		}
		req.StableKey = key
	}
	if c.rule.HasPriority {
		req.Priority = c.rule.Priority
	}
	return req, nil
}

func evalString(v expr.Value, activation map[string]any) (string, error) {
	out, err := v.Evaluate(activation)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("%q yielded %T, want string", v.Source(), out)
	}
	return strings.TrimSpace(s), nil
}
