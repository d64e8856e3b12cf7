package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const syncConfigColumns = `id, name, backend, url, username, password, base_path, is_active, created_at, updated_at`

func (s *Store) ListSyncConfigs(ctx context.Context) ([]SyncConfig, error) {
	var configs []SyncConfig
	err := s.db.SelectContext(ctx, &configs,
		`SELECT `+syncConfigColumns+` FROM sync_configs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sync configs: %w", err)
	}
	return configs, nil
}

func (s *Store) ListActiveSyncConfigs(ctx context.Context) ([]SyncConfig, error) {
	var configs []SyncConfig
	err := s.db.SelectContext(ctx, &configs,
		`SELECT `+syncConfigColumns+` FROM sync_configs WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active sync configs: %w", err)
	}
	return configs, nil
}

func (s *Store) GetSyncConfig(ctx context.Context, id string) (SyncConfig, error) {
	var config SyncConfig
	err := s.db.GetContext(ctx, &config,
		`SELECT `+syncConfigColumns+` FROM sync_configs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncConfig{}, fmt.Errorf("%w: sync config %s", ErrNotFound, id)
	}
	if err != nil {
		return SyncConfig{}, fmt.Errorf("get sync config %s: %w", id, err)
	}
	return config, nil
}

func (s *Store) CreateSyncConfig(ctx context.Context, config SyncConfig) (SyncConfig, error) {
	if err := validateSyncConfig(config); err != nil {
		return SyncConfig{}, err
	}
	if strings.TrimSpace(config.ID) == "" {
		config.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_configs (id, name, backend, url, username, password, base_path, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		config.ID, config.Name, config.Backend, config.URL, config.Username, config.Password,
		config.BasePath, config.IsActive, config.CreatedAt, config.UpdatedAt)
	if err != nil {
		return SyncConfig{}, fmt.Errorf("create sync config: %w", err)
	}
	return config, nil
}

func (s *Store) UpdateSyncConfig(ctx context.Context, config SyncConfig) (SyncConfig, error) {
	if err := validateSyncConfig(config); err != nil {
		return SyncConfig{}, err
	}
	config.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_configs
		SET name = $2, backend = $3, url = $4, username = $5, password = $6,
			base_path = $7, is_active = $8, updated_at = $9
		WHERE id = $1`,
		config.ID, config.Name, config.Backend, config.URL, config.Username, config.Password,
		config.BasePath, config.IsActive, config.UpdatedAt)
	if err != nil {
		return SyncConfig{}, fmt.Errorf("update sync config %s: %w", config.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SyncConfig{}, fmt.Errorf("update sync config %s: %w", config.ID, err)
	}
	if affected == 0 {
		return SyncConfig{}, fmt.Errorf("%w: sync config %s", ErrNotFound, config.ID)
	}
	return config, nil
}

func (s *Store) DeleteSyncConfig(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sync config %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete sync config %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: sync config %s", ErrNotFound, id)
	}
	return nil
}

func validateSyncConfig(config SyncConfig) error {
	if strings.TrimSpace(config.Name) == "" {
		return fmt.Errorf("%w: sync config name is required", ErrInvalid)
	}
	if strings.TrimSpace(config.Backend) == "" {
		return fmt.Errorf("%w: sync config backend is required", ErrInvalid)
	}
	if strings.TrimSpace(config.URL) == "" {
		return fmt.Errorf("%w: sync config url is required", ErrInvalid)
	}
	return nil
}
