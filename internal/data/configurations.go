package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ConfigurationRecord is one runtime configuration row. Password-typed
// values arrive already sealed by the config registry.
type ConfigurationRecord struct {
	Key         string    `json:"config_key"`
	Value       string    `json:"config_value"`
	Type        string    `json:"config_type"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ConfigurationModel struct {
	DB      DBTX
	Dialect Dialect
}

// Upsert writes one configuration value keyed by config_key.
func (m ConfigurationModel) Upsert(ctx context.Context, c *ConfigurationRecord) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := m.Dialect.Rebind(`
		INSERT INTO configurations (
			config_key, config_value, config_type, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (config_key) DO UPDATE SET
			config_value = excluded.config_value,
			config_type  = excluded.config_type,
			description  = excluded.description,
			updated_at   = excluded.updated_at`)

	_, err := m.DB.ExecContext(ctx, query,
		c.Key, c.Value, c.Type, c.Description, c.CreatedAt, c.UpdatedAt)
	return err
}

// Get retrieves one configuration row.
func (m ConfigurationModel) Get(ctx context.Context, key string) (*ConfigurationRecord, error) {
	query := m.Dialect.Rebind(`
		SELECT config_key, config_value, config_type, description, created_at, updated_at
		FROM configurations WHERE config_key = ?`)

	var c ConfigurationRecord
	err := m.DB.QueryRowContext(ctx, query, key).Scan(
		&c.Key, &c.Value, &c.Type, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every configuration row ordered by key.
func (m ConfigurationModel) List(ctx context.Context) ([]*ConfigurationRecord, error) {
	query := `
		SELECT config_key, config_value, config_type, description, created_at, updated_at
		FROM configurations ORDER BY config_key`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*ConfigurationRecord
	for rows.Next() {
		var c ConfigurationRecord
		if err := rows.Scan(&c.Key, &c.Value, &c.Type, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}

// Delete removes one configuration row.
func (m ConfigurationModel) Delete(ctx context.Context, key string) error {
	query := m.Dialect.Rebind(`DELETE FROM configurations WHERE config_key = ?`)
	res, err := m.DB.ExecContext(ctx, query, key)
	if err != nil {
		return err
	}
	return requireRow(res)
}
