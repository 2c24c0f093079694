package database

import "time"

// Config holds connection-pool and migration settings for the SQLite
// store.
type Config struct {
	DatabasePath    string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
}

// DefaultConfig returns settings suitable for a single-host hub: local
// database file, modest pool (reads are concurrent, writes single-file
// through the write queue anyway).
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./proctorhub.db",
		MaxConnections:  10,
		ConnMaxLifetime: 30 * time.Second,
		ConnMaxIdleTime: 10 * time.Second,
		MigrationsPath:  "./migrations",
	}
}
