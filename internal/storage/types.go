// Package storage provides the hybrid persistence layer: a transactional
// SQLite metadata store (dataset registry, system configuration, user
// preferences, API credentials, audit log, categorization rules) and a DuckDB
// analytics store for normalized statistical observations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for metadata store operations.
var (
	// ErrNoDatabaseConnection is returned when a manager is constructed without a connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrInvalidDatasetID is returned when a dataset id is empty.
	ErrInvalidDatasetID = errors.New("dataset id cannot be empty")

	// ErrInvalidPriority is returned when a dataset priority is outside 1-10.
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")

	// ErrDatasetNotFound is returned by updates that target a dataset that was
	// never registered. Lookups signal absence with (nil, nil) instead.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrInvalidUserID is returned when a user id is empty.
	ErrInvalidUserID = errors.New("user id cannot be empty")

	// ErrInvalidPreferenceKey is returned when a preference key is empty.
	ErrInvalidPreferenceKey = errors.New("preference key cannot be empty")

	// ErrInvalidConfigKey is returned when a configuration key is empty.
	ErrInvalidConfigKey = errors.New("config key cannot be empty")

	// ErrInvalidServiceName is returned when a credential service name is empty.
	ErrInvalidServiceName = errors.New("service name cannot be empty")

	// ErrCredentialNotFound is returned when no credential exists for a service.
	ErrCredentialNotFound = errors.New("API credential not found")

	// ErrInvalidRuleID is returned when a categorization rule id is empty.
	ErrInvalidRuleID = errors.New("rule id cannot be empty")

	// ErrEmptyKeywords is returned when a categorization rule has no usable
	// keywords left after trimming and lowercasing.
	ErrEmptyKeywords = errors.New("categorization rule requires at least one keyword")

	// ErrInvalidAction is returned when an audit action is empty.
	ErrInvalidAction = errors.New("audit action cannot be empty")
)

// ValueType tags the decode behavior of a stored preference or config value.
type ValueType string

// Supported value types for user preferences and system configuration.
const (
	ValueTypeString  ValueType = "string"
	ValueTypeNumber  ValueType = "number"
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeJSON    ValueType = "json"
)

// sqliteTimeLayout is the canonical timestamp format written to the metadata
// store: UTC with microsecond precision, parse-compatible with the
// second-precision form CURRENT_TIMESTAMP produces.
const sqliteTimeLayout = "2006-01-02 15:04:05.999999"

type (
	// Dataset is a registered dataset in the metadata registry.
	Dataset struct {
		ID            string
		Name          string
		Category      string
		Description   string
		SourceAgency  string
		Priority      int
		IsActive      bool
		Metadata      map[string]any
		QualityScore  float64
		RecordCount   int64
		CreatedAt     time.Time
		UpdatedAt     time.Time
		LastProcessed *time.Time
	}

	// DatasetSummary aggregates registry-wide statistics.
	DatasetSummary struct {
		Total          int64
		Active         int64
		Categories     int64
		TotalRecords   int64
		AvgQuality     float64
		LastProcessing *time.Time
	}

	// DatasetStatsUpdate carries the optional fields of an UpdateStats call.
	// Nil fields are left unchanged.
	DatasetStatsUpdate struct {
		RecordCount   *int64
		QualityScore  *float64
		LastProcessed *time.Time
	}

	// UserPreference is a per-user key/value pair with typed decode.
	UserPreference struct {
		UserID      string
		Key         string
		Value       any // decoded according to Type
		RawValue    string
		Type        ValueType
		IsEncrypted bool
		UpdatedAt   time.Time
	}

	// PreferenceInput carries one entry of a bulk preference write.
	PreferenceInput struct {
		Value       any
		Type        ValueType
		IsEncrypted bool
	}

	// APICredential is a stored service credential. The key and optional
	// secret are persisted as bcrypt hashes only; verification compares a
	// presented key against the hash and enforces expiry and active state.
	APICredential struct {
		ID            int64
		ServiceName   string
		APIKeyHash    string
		APISecretHash string
		EndpointURL   string
		RateLimit     int
		ExpiresAt     *time.Time
		LastUsed      *time.Time
		UsageCount    int64
		IsActive      bool
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// ConfigEntry is an environment-scoped system configuration row.
	ConfigEntry struct {
		Key         string
		Value       any // decoded according to Type
		RawValue    string
		Type        ValueType
		Description string
		IsSensitive bool
		Environment string
		UpdatedAt   time.Time
	}

	// CategorizationRule classifies dataflows into thematic categories by
	// keyword match.
	CategorizationRule struct {
		RuleID      string
		Category    string
		Keywords    []string
		Priority    int
		IsActive    bool
		Description string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}
)

// CredentialFinder resolves a presented API key to its stored credential.
// Implemented by UserManager (bcrypt scan over api_credentials) and by
// MemoryCredentialStore (plaintext map for tests and env bootstrap).
type CredentialFinder interface {
	FindCredentialByKey(ctx context.Context, apiKey string) (*APICredential, bool)
}

// EncodeTypedValue converts a Go value into its string payload and value type
// tag for storage. When declared is empty the type is inferred from the Go
// value: bool, numeric, map/slice, otherwise string.
func EncodeTypedValue(value any, declared ValueType) (string, ValueType) {
	valueType := declared
	if valueType == "" {
		valueType = inferValueType(value)
	}

	switch valueType {
	case ValueTypeBoolean:
		if b, ok := value.(bool); ok {
			return strconv.FormatBool(b), valueType
		}

		return strings.ToLower(strings.TrimSpace(toString(value))), valueType
	case ValueTypeNumber:
		switch n := value.(type) {
		case int:
			return strconv.Itoa(n), valueType
		case int64:
			return strconv.FormatInt(n, 10), valueType
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), valueType
		default:
			return toString(value), valueType
		}
	case ValueTypeJSON:
		encoded, err := json.Marshal(value)
		if err != nil {
			return "{}", valueType
		}

		return string(encoded), valueType
	default:
		return toString(value), ValueTypeString
	}
}

// DecodeTypedValue decodes a stored payload according to its value type tag.
//
// Decoding never fails. Invalid payloads degrade instead:
//   - a number that does not parse decodes to the raw string
//   - json that does not parse decodes to an empty map
//   - boolean accepts true/1/yes (case-insensitive); anything else is false
func DecodeTypedValue(payload string, valueType ValueType) any {
	switch valueType {
	case ValueTypeNumber:
		if n, err := strconv.ParseFloat(payload, 64); err == nil {
			return n
		}

		return payload
	case ValueTypeBoolean:
		switch strings.ToLower(strings.TrimSpace(payload)) {
		case "true", "1", "yes":
			return true
		default:
			return false
		}
	case ValueTypeJSON:
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return map[string]any{}
		}

		return decoded
	default:
		return payload
	}
}

// ValidValueType reports whether the tag is one of the supported value types.
func ValidValueType(valueType ValueType) bool {
	switch valueType {
	case ValueTypeString, ValueTypeNumber, ValueTypeBoolean, ValueTypeJSON:
		return true
	default:
		return false
	}
}

func inferValueType(value any) ValueType {
	switch value.(type) {
	case bool:
		return ValueTypeBoolean
	case int, int64, float64:
		return ValueTypeNumber
	case map[string]any, []any, []string:
		return ValueTypeJSON
	default:
		return ValueTypeString
	}
}

func toString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}

	return strings.Trim(string(encoded), `"`)
}

// formatTime renders a timestamp in the canonical store format.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseStoreTime parses timestamps written by the store or by SQLite's
// CURRENT_TIMESTAMP default. Returns the zero time for empty or unparseable
// payloads.
func parseStoreTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	layouts := []string{
		sqliteTimeLayout,
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}

// marshalMetadata encodes a free-form metadata mapping as JSON text. Nil maps
// encode as the empty object.
func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}

	return string(encoded)
}

// unmarshalMetadata decodes stored metadata JSON, degrading to an empty map on
// invalid payloads.
func unmarshalMetadata(payload string) map[string]any {
	if payload == "" {
		return map[string]any{}
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil || decoded == nil {
		return map[string]any{}
	}

	return decoded
}

// NormalizeKeywords lowercases and trims rule keywords, dropping empties and
// duplicates while preserving first-seen order.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	normalized := make([]string, 0, len(keywords))

	for _, keyword := range keywords {
		cleaned := strings.ToLower(strings.TrimSpace(keyword))
		if cleaned == "" || seen[cleaned] {
			continue
		}

		seen[cleaned] = true

		normalized = append(normalized, cleaned)
	}

	return normalized
}
