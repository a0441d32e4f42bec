package config

import (
	"fmt"
	"strings"
	"time"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageConfig selects where conversations and scheduled tasks live.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// LockTTL is the lease length of the cross-process conversation lock.
	// It only applies to SQL drivers.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

func applyStorageDefaults(cfg *StorageConfig) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = StorageMemory
	}
	if cfg.Driver == StorageSQLite && cfg.DSN == "" {
		cfg.DSN = "chatline.db"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 2 * time.Minute
	}
}

func (s StorageConfig) validate() []string {
	var issues []string
	switch s.Driver {
	case StorageMemory:
	case StorageSQLite, StoragePostgres:
		if strings.TrimSpace(s.DSN) == "" {
			issues = append(issues, fmt.Sprintf("storage.dsn is required for driver %s", s.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.driver %q is not one of memory, sqlite, postgres", s.Driver))
	}
	if s.MaxOpenConns < 0 {
		issues = append(issues, "storage.max_open_conns must not be negative")
	}
	return issues
}
