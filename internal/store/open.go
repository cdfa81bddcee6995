// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"strings"
	"time"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Driver       string
	Dir          string // file
	RedisURL     string // redis
	KeyPrefix    string // redis
	SQLitePath   string // sqlite
	PollInterval time.Duration
}

// Open builds the backend named by cfg.Driver.
func Open(cfg Config, opts ...Option) (Store, error) {
	if cfg.KeyPrefix != "" {
		opts = append(opts, WithKeyPrefix(cfg.KeyPrefix))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}

	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile:
		return NewFileStore(cfg.Dir, opts...)
	case DriverRedis:
		return NewRedisStoreFromURL(cfg.RedisURL, opts...)
	case DriverSQLite:
		return NewSQLiteStore(cfg.SQLitePath, opts...)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
