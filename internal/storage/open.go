package storage

import (
	"errors"
	"strings"

	"moontele/pkg/logx"
)

const DefaultPath = "./data/moontele.db"

// Open initializes the configured store.
// It returns (nil, ErrDisabled) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}
	log = log.OrNop().With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
