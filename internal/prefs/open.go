package prefs

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
)

// Open creates the store selected by cfg.PrefsBackend.
func Open(ctx context.Context, cfg config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.PrefsBackend {
	case config.PrefsJSON, "":
		return NewJSONStore(cfg.PrefsPath(), logger)
	case config.PrefsSQLite:
		return NewSQLiteStore(cfg.PrefsPath(), logger)
	case config.PrefsDynamoDB:
		return NewDynamoDBStore(ctx, cfg.PrefsTable, logger)
	default:
		return nil, fmt.Errorf("unknown prefs backend %q", cfg.PrefsBackend)
	}
}
