package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mostrador/internal/config"
)

func (r Repo) UpsertShopConfig(ctx context.Context, shopID string, cfg *config.Config) error {
	return upsertShopConfig(ctx, r.DB, nil, shopID, cfg)
}

func (r Repo) UpsertShopConfigTx(ctx context.Context, tx *sql.Tx, shopID string, cfg *config.Config) error {
	return upsertShopConfig(ctx, nil, tx, shopID, cfg)
}

func upsertShopConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, shopID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Shop.ID = shopID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO shop_configs(shop_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(shop_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, shopID, string(payload), now, now)
	return err
}

func (r Repo) GetShopConfig(ctx context.Context, shopID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM shop_configs WHERE shop_id=?`, shopID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Shop.ID == "" {
		cfg.Shop.ID = shopID
	}
	return &cfg, cfg.Validate()
}
