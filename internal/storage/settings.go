package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultEnvironment scopes configuration reads and writes that do not name
// an explicit environment.
const DefaultEnvironment = "development"

// maskedConfigValue replaces sensitive values in listings unless the caller
// explicitly asks for them.
const maskedConfigValue = "***"

// ConfigurationManager provides typed, environment-scoped system
// configuration on top of the system_config table.
type ConfigurationManager struct {
	conn   *Connection
	logger *slog.Logger
}

// NewConfigurationManager creates a configuration manager on an open connection.
func NewConfigurationManager(conn *Connection) (*ConfigurationManager, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ConfigurationManager{conn: conn, logger: conn.logger}, nil
}

// Set upserts a configuration entry scoped to (key, environment).
//
// The value is encoded according to entry.Type; an empty type is inferred
// from the Go value. An empty environment defaults to "development".
func (m *ConfigurationManager) Set(ctx context.Context, entry ConfigEntry) error {
	if strings.TrimSpace(entry.Key) == "" {
		return ErrInvalidConfigKey
	}

	if entry.Type != "" && !ValidValueType(entry.Type) {
		return fmt.Errorf("unsupported value type %q for config key %s", entry.Type, entry.Key)
	}

	environment := entry.Environment
	if environment == "" {
		environment = DefaultEnvironment
	}

	payload, valueType := EncodeTypedValue(entry.Value, entry.Type)
	now := formatTime(time.Now())

	_, err := m.conn.ExecContext(ctx, `
		INSERT INTO system_config (
			config_key, config_value, config_type, description,
			is_sensitive, environment, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_key, environment) DO UPDATE SET
			config_value = excluded.config_value,
			config_type  = excluded.config_type,
			description  = excluded.description,
			is_sensitive = excluded.is_sensitive,
			updated_at   = excluded.updated_at`,
		entry.Key, payload, string(valueType), entry.Description,
		boolToInt(entry.IsSensitive), environment, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", entry.Key, err)
	}

	m.logger.Debug("Configuration updated",
		slog.String("config_key", entry.Key),
		slog.String("environment", environment),
		slog.Bool("sensitive", entry.IsSensitive))

	return nil
}

// Get retrieves a configuration entry with its decoded value. Returns
// (nil, nil) when the key is not set in the environment.
func (m *ConfigurationManager) Get(ctx context.Context, key, environment string) (*ConfigEntry, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidConfigKey
	}

	if environment == "" {
		environment = DefaultEnvironment
	}

	row := m.conn.QueryRowContext(ctx, `
		SELECT config_key, config_value, config_type, description,
		       is_sensitive, environment, updated_at
		FROM system_config
		WHERE config_key = ? AND environment = ?`,
		key, environment,
	)

	entry, err := scanConfigEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get config %s: %w", key, err)
	}

	return entry, nil
}

// GetValue returns the decoded value for a key, or the provided default when
// the key is not set or the lookup fails. Convenience for callers that treat
// configuration as optional.
func (m *ConfigurationManager) GetValue(ctx context.Context, key, environment string, defaultValue any) any {
	entry, err := m.Get(ctx, key, environment)
	if err != nil || entry == nil {
		return defaultValue
	}

	return entry.Value
}

// All returns every configuration entry for an environment, sorted by key.
// Sensitive values are masked unless includeSensitive is set.
func (m *ConfigurationManager) All(ctx context.Context, environment string, includeSensitive bool) ([]*ConfigEntry, error) {
	if environment == "" {
		environment = DefaultEnvironment
	}

	return m.query(ctx, `
		SELECT config_key, config_value, config_type, description,
		       is_sensitive, environment, updated_at
		FROM system_config
		WHERE environment = ?
		ORDER BY config_key`,
		[]any{environment}, includeSensitive)
}

// ByPattern returns entries whose key matches a SQL LIKE pattern (the caller
// supplies % wildcards, e.g. "api.%"), sorted by key. Sensitive values are
// always masked here; use Get for a specific sensitive key.
func (m *ConfigurationManager) ByPattern(ctx context.Context, pattern, environment string) ([]*ConfigEntry, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, ErrInvalidConfigKey
	}

	if environment == "" {
		environment = DefaultEnvironment
	}

	return m.query(ctx, `
		SELECT config_key, config_value, config_type, description,
		       is_sensitive, environment, updated_at
		FROM system_config
		WHERE config_key LIKE ? AND environment = ?
		ORDER BY config_key`,
		[]any{pattern, environment}, false)
}

// Delete removes a configuration entry. Deleting an absent key is a no-op.
func (m *ConfigurationManager) Delete(ctx context.Context, key, environment string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidConfigKey
	}

	if environment == "" {
		environment = DefaultEnvironment
	}

	_, err := m.conn.ExecContext(ctx,
		"DELETE FROM system_config WHERE config_key = ? AND environment = ?",
		key, environment,
	)
	if err != nil {
		return fmt.Errorf("failed to delete config %s: %w", key, err)
	}

	return nil
}

func (m *ConfigurationManager) query(ctx context.Context, query string, args []any, includeSensitive bool) ([]*ConfigEntry, error) {
	rows, err := m.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query system config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*ConfigEntry

	for rows.Next() {
		entry, err := scanConfigEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}

		if entry.IsSensitive && !includeSensitive {
			entry.Value = maskedConfigValue
			entry.RawValue = maskedConfigValue
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate config rows: %w", err)
	}

	return entries, nil
}

func scanConfigEntry(s scanner) (*ConfigEntry, error) {
	var (
		entry       ConfigEntry
		rawValue    sql.NullString
		valueType   string
		isSensitive int
		updatedAt   string
	)

	err := s.Scan(
		&entry.Key, &rawValue, &valueType, &entry.Description,
		&isSensitive, &entry.Environment, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.RawValue = rawValue.String
	entry.Type = ValueType(valueType)
	entry.IsSensitive = isSensitive != 0
	entry.UpdatedAt = parseStoreTime(updatedAt)
	entry.Value = DecodeTypedValue(entry.RawValue, entry.Type)

	return &entry, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
