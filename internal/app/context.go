package app

import (
	"context"
	"errors"
	"fmt"

	"mostrador/internal/config"
	"mostrador/internal/repo"
)

const defaultShopID = "mostrador"

// ResolveShopAndConfig decides which config the process runs with. The
// workspace mostrador.yml wins and is mirrored into shop_configs so the
// API and CLI read the same settings; without a file the stored config
// is used, and a fresh workspace is seeded with defaults.
func ResolveShopAndConfig(ctx context.Context, workspace, shopOverride string, r repo.Repo) (string, *config.Config, error) {
	shopID := shopOverride
	if shopID == "" {
		shopID = defaultShopID
	}

	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if fileCfg != nil {
		if fileCfg.Shop.ID != "" {
			shopID = fileCfg.Shop.ID
		}
		if err := r.UpsertShopConfig(ctx, shopID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store shop config: %w", err)
		}
		return shopID, fileCfg, nil
	}

	cfg, err := r.GetShopConfig(ctx, shopID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(shopID)
		if err := r.UpsertShopConfig(ctx, shopID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed shop config: %w", err)
		}
	}
	cfg.Shop.ID = shopID
	return shopID, cfg, nil
}
