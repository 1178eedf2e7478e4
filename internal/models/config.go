package models

import "time"

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Mirror    MirrorConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// SyncConfig holds sync orchestration settings
type SyncConfig struct {
	Deadline        time.Duration // wall-clock budget per sync run
	Workers         int           // bounded pool for per-account transaction fetch
	DefaultLookback time.Duration // transaction window for brand-new accounts
	ProvidersFile   string
}

// SchedulerConfig holds the sync daemon settings
type SchedulerConfig struct {
	Interval     time.Duration // how often a connection is due for sync
	PollInterval time.Duration // how often the daemon scans for due connections
}

// MirrorConfig holds the optional Formance ledger mirror settings.
// The mirror is disabled unless StackURL is set.
type MirrorConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}
