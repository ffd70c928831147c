// Package categorize assigns dataflows to categories by matching keyword
// rules against their name and description.
//
// Matching is deterministic: rules are evaluated in priority order (highest
// first, rule id as tie break) and the first rule sharing at least one token
// with the input wins. Dataflows nothing matches fall back to the default
// category.
package categorize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/statbridge-io/statbridge/internal/storage"
)

type (
	// RuleSource lists categorization rules. Satisfied by
	// *storage.RuleManager; tests supply fixed rule sets.
	RuleSource interface {
		List(ctx context.Context, activeOnly bool) ([]*storage.CategorizationRule, error)
	}

	// Engine classifies dataflow text against the active rule set.
	Engine struct {
		rules  RuleSource
		logger *slog.Logger
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a categorization engine over the given rule source.
func NewEngine(rules RuleSource, opts ...EngineOption) *Engine {
	engine := &Engine{
		rules:  rules,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Categorize classifies a dataflow by its name and description.
func (e *Engine) Categorize(ctx context.Context, name, description string) (string, error) {
	return e.CategorizeText(ctx, name+" "+description)
}

// CategorizeText classifies free text.
//
// The input is lowercased and whitespace-tokenized; the first active rule
// whose keyword set intersects the token set decides the category. Rules
// arrive from the source already ordered by priority (descending) and rule
// id, which makes the outcome stable for a fixed rule set. Returns the
// default category when nothing matches.
func (e *Engine) CategorizeText(ctx context.Context, text string) (string, error) {
	rules, err := e.rules.List(ctx, true)
	if err != nil {
		return "", fmt.Errorf("failed to load categorization rules: %w", err)
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return storage.DefaultCategory, nil
	}

	for _, rule := range rules {
		for _, keyword := range rule.Keywords {
			if _, ok := tokens[keyword]; ok {
				e.logger.Debug("Categorization rule matched",
					"rule_id", rule.RuleID,
					"category", rule.Category,
					"keyword", keyword,
				)

				return rule.Category, nil
			}
		}
	}

	return storage.DefaultCategory, nil
}

// tokenize lowercases, trims and splits text on whitespace into a set.
func tokenize(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))

	tokens := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		tokens[field] = struct{}{}
	}

	return tokens
}
