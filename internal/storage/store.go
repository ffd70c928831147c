package storage

import (
	"context"
	"fmt"
)

// MetadataStore bundles the five metadata managers over one shared SQLite
// connection: datasets, configuration, users, audit, and categorization
// rules.
type MetadataStore struct {
	conn *Connection

	Datasets *DatasetManager
	Config   *ConfigurationManager
	Users    *UserManager
	Audit    *AuditManager
	Rules    *RuleManager
}

// NewMetadataStore opens the metadata store and constructs its managers.
// Opening runs the embedded migrations, so a fresh path comes up with the
// full schema, seeded configuration, and default categorization rules.
func NewMetadataStore(cfg *StoreConfig, opts ...ConnectionOption) (*MetadataStore, error) {
	conn, err := NewConnection(cfg, opts...)
	if err != nil {
		return nil, err
	}

	store, err := newMetadataStore(conn)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	return store, nil
}

func newMetadataStore(conn *Connection) (*MetadataStore, error) {
	datasets, err := NewDatasetManager(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset manager: %w", err)
	}

	configuration, err := NewConfigurationManager(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create configuration manager: %w", err)
	}

	users, err := NewUserManager(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create user manager: %w", err)
	}

	audit, err := NewAuditManager(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit manager: %w", err)
	}

	rules, err := NewRuleManager(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule manager: %w", err)
	}

	return &MetadataStore{
		conn:     conn,
		Datasets: datasets,
		Config:   configuration,
		Users:    users,
		Audit:    audit,
		Rules:    rules,
	}, nil
}

// Connection exposes the underlying connection for transactions and tests.
func (s *MetadataStore) Connection() *Connection {
	return s.conn
}

// HealthCheck verifies the metadata store can serve queries.
func (s *MetadataStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// SchemaVersion returns the current application schema version.
func (s *MetadataStore) SchemaVersion(ctx context.Context) (string, error) {
	return s.conn.SchemaVersion(ctx)
}

// Close releases the shared connection.
func (s *MetadataStore) Close() error {
	return s.conn.Close()
}
