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

// UserManager stores per-user preferences and hashed service credentials.
//
// Credentials follow the hash-only discipline: the plaintext API key exists
// only in the caller's hands, the store keeps bcrypt hashes and verifies by
// comparison. Verification enforces active state and expiry and bumps usage
// counters on success.
type UserManager struct {
	conn   *Connection
	logger *slog.Logger
}

// NewUserManager creates a user manager on an open connection.
func NewUserManager(conn *Connection) (*UserManager, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &UserManager{conn: conn, logger: conn.logger}, nil
}

// SetPreference upserts a single user preference with typed encoding.
func (m *UserManager) SetPreference(ctx context.Context, userID, key string, input PreferenceInput) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}

	if strings.TrimSpace(key) == "" {
		return ErrInvalidPreferenceKey
	}

	if input.Type != "" && !ValidValueType(input.Type) {
		return fmt.Errorf("unsupported value type %q for preference %s", input.Type, key)
	}

	payload, valueType := EncodeTypedValue(input.Value, input.Type)

	return m.execSetPreference(ctx, m.conn.DB(), userID, key, payload, valueType, input.IsEncrypted)
}

// BulkSetPreferences writes multiple preferences in a single transaction.
// Either every entry lands or none do.
func (m *UserManager) BulkSetPreferences(ctx context.Context, userID string, prefs map[string]PreferenceInput) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}

	if len(prefs) == 0 {
		return nil
	}

	for key, input := range prefs {
		if strings.TrimSpace(key) == "" {
			return ErrInvalidPreferenceKey
		}

		if input.Type != "" && !ValidValueType(input.Type) {
			return fmt.Errorf("unsupported value type %q for preference %s", input.Type, key)
		}
	}

	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin preference transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, input := range prefs {
		payload, valueType := EncodeTypedValue(input.Value, input.Type)

		if err := m.execSetPreference(ctx, tx, userID, key, payload, valueType, input.IsEncrypted); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit preference transaction: %w", err)
	}

	m.logger.Debug("Preferences updated in bulk",
		slog.String("user_id", userID),
		slog.Int("count", len(prefs)))

	return nil
}

// execer abstracts sql.DB and sql.Tx for shared write logic.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *UserManager) execSetPreference(ctx context.Context, db execer, userID, key, payload string, valueType ValueType, encrypted bool) error {
	now := formatTime(time.Now())

	_, err := db.ExecContext(ctx, `
		INSERT INTO user_preferences (
			user_id, preference_key, preference_value, value_type,
			is_encrypted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, preference_key) DO UPDATE SET
			preference_value = excluded.preference_value,
			value_type       = excluded.value_type,
			is_encrypted     = excluded.is_encrypted,
			updated_at       = excluded.updated_at`,
		userID, key, payload, string(valueType), boolToInt(encrypted), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set preference %s for user %s: %w", key, userID, err)
	}

	return nil
}

// GetPreference retrieves a single preference with its decoded value.
// Returns (nil, nil) when the preference is not set.
func (m *UserManager) GetPreference(ctx context.Context, userID, key string) (*UserPreference, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}

	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidPreferenceKey
	}

	row := m.conn.QueryRowContext(ctx, `
		SELECT user_id, preference_key, preference_value, value_type,
		       is_encrypted, updated_at
		FROM user_preferences
		WHERE user_id = ? AND preference_key = ?`,
		userID, key,
	)

	pref, err := scanPreference(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get preference %s for user %s: %w", key, userID, err)
	}

	return pref, nil
}

// ListPreferences returns all preferences for a user, sorted by key.
func (m *UserManager) ListPreferences(ctx context.Context, userID string) ([]*UserPreference, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}

	rows, err := m.conn.QueryContext(ctx, `
		SELECT user_id, preference_key, preference_value, value_type,
		       is_encrypted, updated_at
		FROM user_preferences
		WHERE user_id = ?
		ORDER BY preference_key`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences for user %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var prefs []*UserPreference

	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan preference row: %w", err)
		}

		prefs = append(prefs, pref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate preference rows: %w", err)
	}

	return prefs, nil
}

// PreferencesMap returns a user's preferences as a key to decoded value map.
func (m *UserManager) PreferencesMap(ctx context.Context, userID string) (map[string]any, error) {
	prefs, err := m.ListPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	decoded := make(map[string]any, len(prefs))
	for _, pref := range prefs {
		decoded[pref.Key] = pref.Value
	}

	return decoded, nil
}

// DeletePreference removes a single preference. Deleting an absent key is a
// no-op.
func (m *UserManager) DeletePreference(ctx context.Context, userID, key string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}

	if strings.TrimSpace(key) == "" {
		return ErrInvalidPreferenceKey
	}

	_, err := m.conn.ExecContext(ctx,
		"DELETE FROM user_preferences WHERE user_id = ? AND preference_key = ?",
		userID, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete preference %s for user %s: %w", key, userID, err)
	}

	return nil
}

// DeleteAllPreferences removes every preference a user has stored and
// returns how many rows were removed.
func (m *UserManager) DeleteAllPreferences(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidUserID
	}

	result, err := m.conn.ExecContext(ctx,
		"DELETE FROM user_preferences WHERE user_id = ?",
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete preferences for user %s: %w", userID, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted preferences: %w", err)
	}

	return deleted, nil
}

// CredentialInput carries the plaintext material for StoreCredential. The
// plaintext is hashed immediately and never persisted.
type CredentialInput struct {
	APIKey      string
	APISecret   string
	EndpointURL string
	RateLimit   int
	ExpiresAt   *time.Time
}

// StoreCredential stores or rotates a service credential. The key and
// optional secret are bcrypt-hashed before the row is written; storing again
// for the same service replaces the hashes and re-activates the credential.
func (m *UserManager) StoreCredential(ctx context.Context, serviceName string, input CredentialInput) error {
	if strings.TrimSpace(serviceName) == "" {
		return ErrInvalidServiceName
	}

	keyHash, err := HashAPIKey(input.APIKey)
	if err != nil {
		return fmt.Errorf("failed to hash credential for %s: %w", serviceName, err)
	}

	var secretHash sql.NullString

	if input.APISecret != "" {
		hash, err := HashAPIKey(input.APISecret)
		if err != nil {
			return fmt.Errorf("failed to hash secret for %s: %w", serviceName, err)
		}

		secretHash = sql.NullString{String: hash, Valid: true}
	}

	rateLimit := input.RateLimit
	if rateLimit <= 0 {
		rateLimit = 100
	}

	var expiresAt sql.NullString
	if input.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*input.ExpiresAt), Valid: true}
	}

	now := formatTime(time.Now())

	_, err = m.conn.ExecContext(ctx, `
		INSERT INTO api_credentials (
			service_name, api_key_hash, api_secret_hash, endpoint_url,
			rate_limit, expires_at, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET
			api_key_hash    = excluded.api_key_hash,
			api_secret_hash = excluded.api_secret_hash,
			endpoint_url    = excluded.endpoint_url,
			rate_limit      = excluded.rate_limit,
			expires_at      = excluded.expires_at,
			is_active       = 1,
			updated_at      = excluded.updated_at`,
		serviceName, keyHash, secretHash, input.EndpointURL,
		rateLimit, expiresAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store credential for %s: %w", serviceName, err)
	}

	m.logger.Info("Service credential stored",
		slog.String("service_name", serviceName))

	return nil
}

// VerifyCredential checks a presented API key against the stored hash for a
// service. Returns false (not an error) for unknown services, inactive or
// expired credentials, and mismatched keys. A successful verification bumps
// usage_count and last_used best-effort.
func (m *UserManager) VerifyCredential(ctx context.Context, serviceName, apiKey string) (bool, error) {
	if strings.TrimSpace(serviceName) == "" {
		return false, ErrInvalidServiceName
	}

	if apiKey == "" {
		return false, nil
	}

	credential, err := m.GetCredential(ctx, serviceName)
	if err != nil {
		return false, err
	}

	if credential == nil || !credential.Usable(time.Now()) {
		return false, nil
	}

	if !CompareAPIKeyHash(credential.APIKeyHash, apiKey) {
		return false, nil
	}

	m.recordUsage(ctx, credential.ServiceName)

	return true, nil
}

// FindCredentialByKey resolves a presented API key to its credential by
// comparing against every active stored hash. This is the inbound
// authentication path where the caller knows only the key.
//
// Bcrypt comparison costs ~60ms per candidate, acceptable at the expected
// credential count (a handful of services).
func (m *UserManager) FindCredentialByKey(ctx context.Context, apiKey string) (*APICredential, bool) {
	if apiKey == "" {
		return nil, false
	}

	rows, err := m.conn.QueryContext(ctx, `
		SELECT id, service_name, api_key_hash, api_secret_hash, endpoint_url,
		       rate_limit, expires_at, last_used, usage_count, is_active,
		       created_at, updated_at
		FROM api_credentials
		WHERE is_active = 1`,
	)
	if err != nil {
		m.logger.Error("Credential lookup query failed",
			slog.String("error", err.Error()))

		return nil, false
	}
	defer func() { _ = rows.Close() }()

	now := time.Now()

	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			m.logger.Error("Credential row scan failed",
				slog.String("error", err.Error()))

			return nil, false
		}

		if !credential.Usable(now) {
			continue
		}

		if CompareAPIKeyHash(credential.APIKeyHash, apiKey) {
			m.recordUsage(ctx, credential.ServiceName)

			return credential, true
		}
	}

	if err := rows.Err(); err != nil {
		m.logger.Error("Credential row iteration failed",
			slog.String("error", err.Error()))
	}

	return nil, false
}

// GetCredential retrieves a credential row by service name, hashes included.
// Returns (nil, nil) when the service has no stored credential.
func (m *UserManager) GetCredential(ctx context.Context, serviceName string) (*APICredential, error) {
	if strings.TrimSpace(serviceName) == "" {
		return nil, ErrInvalidServiceName
	}

	row := m.conn.QueryRowContext(ctx, `
		SELECT id, service_name, api_key_hash, api_secret_hash, endpoint_url,
		       rate_limit, expires_at, last_used, usage_count, is_active,
		       created_at, updated_at
		FROM api_credentials
		WHERE service_name = ?`,
		serviceName,
	)

	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get credential for %s: %w", serviceName, err)
	}

	return credential, nil
}

// DeactivateCredential soft-deletes a credential. The row survives for audit
// trails; verification treats it as absent.
func (m *UserManager) DeactivateCredential(ctx context.Context, serviceName string) error {
	if strings.TrimSpace(serviceName) == "" {
		return ErrInvalidServiceName
	}

	result, err := m.conn.ExecContext(ctx,
		"UPDATE api_credentials SET is_active = 0, updated_at = ? WHERE service_name = ?",
		formatTime(time.Now()), serviceName,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential for %s: %w", serviceName, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check credential deactivation for %s: %w", serviceName, err)
	}

	if affected == 0 {
		return ErrCredentialNotFound
	}

	m.logger.Info("Service credential deactivated",
		slog.String("service_name", serviceName))

	return nil
}

// Usable reports whether the credential is active and unexpired at t.
func (c *APICredential) Usable(t time.Time) bool {
	if !c.IsActive {
		return false
	}

	if c.ExpiresAt != nil && t.After(*c.ExpiresAt) {
		return false
	}

	return true
}

// recordUsage bumps usage counters best-effort; a failed update logs a
// warning and never fails the verification that triggered it.
func (m *UserManager) recordUsage(ctx context.Context, serviceName string) {
	_, err := m.conn.ExecContext(ctx,
		"UPDATE api_credentials SET usage_count = usage_count + 1, last_used = ? WHERE service_name = ?",
		formatTime(time.Now()), serviceName,
	)
	if err != nil {
		m.logger.Warn("Failed to record credential usage",
			slog.String("service_name", serviceName),
			slog.String("error", err.Error()))
	}
}

func scanPreference(s scanner) (*UserPreference, error) {
	var (
		pref      UserPreference
		rawValue  sql.NullString
		valueType string
		encrypted int
		updatedAt string
	)

	err := s.Scan(&pref.UserID, &pref.Key, &rawValue, &valueType, &encrypted, &updatedAt)
	if err != nil {
		return nil, err
	}

	pref.RawValue = rawValue.String
	pref.Type = ValueType(valueType)
	pref.IsEncrypted = encrypted != 0
	pref.UpdatedAt = parseStoreTime(updatedAt)
	pref.Value = DecodeTypedValue(pref.RawValue, pref.Type)

	return &pref, nil
}

func scanCredential(s scanner) (*APICredential, error) {
	var (
		credential APICredential
		secretHash sql.NullString
		endpoint   sql.NullString
		expiresAt  sql.NullString
		lastUsed   sql.NullString
		isActive   int
		createdAt  string
		updatedAt  string
	)

	err := s.Scan(
		&credential.ID, &credential.ServiceName, &credential.APIKeyHash,
		&secretHash, &endpoint, &credential.RateLimit, &expiresAt, &lastUsed,
		&credential.UsageCount, &isActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	credential.APISecretHash = secretHash.String
	credential.EndpointURL = endpoint.String
	credential.IsActive = isActive != 0
	credential.CreatedAt = parseStoreTime(createdAt)
	credential.UpdatedAt = parseStoreTime(updatedAt)

	if expiresAt.Valid {
		t := parseStoreTime(expiresAt.String)
		credential.ExpiresAt = &t
	}

	if lastUsed.Valid {
		t := parseStoreTime(lastUsed.String)
		credential.LastUsed = &t
	}

	return &credential, nil
}
