package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RuleManager stores keyword-based categorization rules.
//
// Keywords are normalized on write (lowercased, trimmed, deduplicated) so the
// categorization engine can match without re-normalizing per dataflow.
type RuleManager struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRuleManager creates a rule manager on an open connection.
func NewRuleManager(conn *Connection) (*RuleManager, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RuleManager{conn: conn, logger: conn.logger}, nil
}

// Upsert inserts or replaces a categorization rule keyed by rule id.
// A rule whose keywords normalize to nothing is rejected.
func (m *RuleManager) Upsert(ctx context.Context, rule *CategorizationRule) error {
	if rule == nil || strings.TrimSpace(rule.RuleID) == "" {
		return ErrInvalidRuleID
	}

	if strings.TrimSpace(rule.Category) == "" {
		return fmt.Errorf("rule %s: category cannot be empty", rule.RuleID)
	}

	keywords := NormalizeKeywords(rule.Keywords)
	if len(keywords) == 0 {
		return fmt.Errorf("rule %s: %w", rule.RuleID, ErrEmptyKeywords)
	}

	encoded, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("rule %s: failed to encode keywords: %w", rule.RuleID, err)
	}

	now := formatTime(time.Now())

	_, err = m.conn.ExecContext(ctx, `
		INSERT INTO categorization_rules (
			rule_id, category, keywords, priority, is_active,
			description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			category    = excluded.category,
			keywords    = excluded.keywords,
			priority    = excluded.priority,
			is_active   = excluded.is_active,
			description = excluded.description,
			updated_at  = excluded.updated_at`,
		rule.RuleID, rule.Category, string(encoded), rule.Priority,
		boolToInt(rule.IsActive), rule.Description, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.RuleID, err)
	}

	m.logger.Debug("Categorization rule upserted",
		slog.String("rule_id", rule.RuleID),
		slog.String("category", rule.Category),
		slog.Int("keywords", len(keywords)))

	return nil
}

// Get retrieves a rule by id. Returns (nil, nil) when the rule does not exist.
func (m *RuleManager) Get(ctx context.Context, ruleID string) (*CategorizationRule, error) {
	if strings.TrimSpace(ruleID) == "" {
		return nil, ErrInvalidRuleID
	}

	row := m.conn.QueryRowContext(ctx, `
		SELECT rule_id, category, keywords, priority, is_active,
		       description, created_at, updated_at
		FROM categorization_rules
		WHERE rule_id = ?`,
		ruleID,
	)

	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}

	return rule, nil
}

// List returns rules ordered by priority (highest first) then rule id. This
// is the evaluation order of the categorization engine, which makes
// classification deterministic when priorities tie.
func (m *RuleManager) List(ctx context.Context, activeOnly bool) ([]*CategorizationRule, error) {
	query := `
		SELECT rule_id, category, keywords, priority, is_active,
		       description, created_at, updated_at
		FROM categorization_rules`

	if activeOnly {
		query += " WHERE is_active = 1"
	}

	query += " ORDER BY priority DESC, rule_id ASC"

	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*CategorizationRule

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}

	return rules, nil
}

// SetActive toggles a rule without touching its definition.
func (m *RuleManager) SetActive(ctx context.Context, ruleID string, active bool) error {
	if strings.TrimSpace(ruleID) == "" {
		return ErrInvalidRuleID
	}

	result, err := m.conn.ExecContext(ctx,
		"UPDATE categorization_rules SET is_active = ?, updated_at = ? WHERE rule_id = ?",
		boolToInt(active), formatTime(time.Now()), ruleID,
	)
	if err != nil {
		return fmt.Errorf("failed to toggle rule %s: %w", ruleID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rule toggle for %s: %w", ruleID, err)
	}

	if affected == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrInvalidRuleID)
	}

	return nil
}

// Delete removes a rule permanently. Deleting an absent rule is a no-op.
func (m *RuleManager) Delete(ctx context.Context, ruleID string) error {
	if strings.TrimSpace(ruleID) == "" {
		return ErrInvalidRuleID
	}

	_, err := m.conn.ExecContext(ctx,
		"DELETE FROM categorization_rules WHERE rule_id = ?",
		ruleID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}

	return nil
}

func scanRule(s scanner) (*CategorizationRule, error) {
	var (
		rule      CategorizationRule
		keywords  string
		isActive  int
		createdAt string
		updatedAt string
	)

	err := s.Scan(
		&rule.RuleID, &rule.Category, &keywords, &rule.Priority,
		&isActive, &rule.Description, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(keywords), &rule.Keywords); err != nil {
		rule.Keywords = nil
	}

	rule.IsActive = isActive != 0
	rule.CreatedAt = parseStoreTime(createdAt)
	rule.UpdatedAt = parseStoreTime(updatedAt)

	return &rule, nil
}
