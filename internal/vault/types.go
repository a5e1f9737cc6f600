package vault

import (
	"errors"
	"time"
)

// ErrTokenNotFound is returned when a token is unknown or has expired
var ErrTokenNotFound = errors.New("token not found")

// Entry is the stored original value behind a token
type Entry struct {
	TenantID string    `json:"tenant_id"`
	Original string    `json:"original"`
	StoredAt time.Time `json:"stored_at"`
}

// Stats represents vault usage statistics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	TotalKeys int64   `json:"total_keys"`
}

// Config contains vault configuration
type Config struct {
	// Addr is host:port or a redis:// URL
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	TTL          time.Duration `yaml:"ttl" mapstructure:"ttl"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}
