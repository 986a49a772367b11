package cmsync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/topvine/cmsync/cmsync/database"
)

type Config struct {
	Log         LogConfig       `cfg:"log"`
	Debug       bool            `cfg:"debug"`
	ListenAddr  string          `cfg:"listen_addr"`
	HTTPTimeout time.Duration   `cfg:"http_timeout"`
	PublicURL   string          `cfg:"public_url"`
	Database    database.Config `cfg:"database"`
	Sync        SyncConfig      `cfg:"sync"`
	Otel        OtelConfig      `cfg:"otel"`
}

func (c Config) String() string {
	return fmt.Sprintf("\n Log: %s\n Debug: %t\n ListenAddr: %s\n HTTPTimeout: %s\n PublicURL: %s\n Database: %s\n Sync: %s\n Otel: %s\n",
		c.Log,
		c.Debug,
		c.ListenAddr,
		c.HTTPTimeout,
		c.PublicURL,
		c.Database,
		c.Sync,
		c.Otel,
	)
}

type LogConfig struct {
	Level     slog.Level `cfg:"level"`
	Format    string     `cfg:"format"`
	AddSource bool       `cfg:"add_source"`
	NoColor   bool       `cfg:"no_color"`
}

func (c LogConfig) String() string {
	return fmt.Sprintf("\n  Level: %s\n  Format: %s\n  AddSource: %t\n  NoColor: %t\n",
		c.Level,
		c.Format,
		c.AddSource,
		c.NoColor,
	)
}

type SyncConfig struct {
	// PageSize is the per-page document count requested from upstream CMSs.
	PageSize int `cfg:"page_size"`
	// UpstreamTimeout bounds one upstream HTTP call.
	UpstreamTimeout time.Duration `cfg:"upstream_timeout"`
	// SchedulerInterval is how often due scheduled integrations are checked.
	SchedulerInterval time.Duration `cfg:"scheduler_interval"`
	// RunTimeout reclassifies runs stuck in running as failed.
	RunTimeout time.Duration `cfg:"run_timeout"`
	// FieldsCacheSize / FieldsCacheTTL drive the schema introspection cache.
	FieldsCacheSize int           `cfg:"fields_cache_size"`
	FieldsCacheTTL  time.Duration `cfg:"fields_cache_ttl"`
}

func (c SyncConfig) String() string {
	return fmt.Sprintf("\n  PageSize: %d\n  UpstreamTimeout: %s\n  SchedulerInterval: %s\n  RunTimeout: %s\n  FieldsCacheSize: %d\n  FieldsCacheTTL: %s",
		c.PageSize,
		c.UpstreamTimeout,
		c.SchedulerInterval,
		c.RunTimeout,
		c.FieldsCacheSize,
		c.FieldsCacheTTL,
	)
}

type OtelConfig struct {
	Enabled    bool          `cfg:"enabled"`
	InstanceID string        `cfg:"instance_id"`
	Trace      TraceConfig   `cfg:"trace"`
	Metrics    MetricsConfig `cfg:"metrics"`
}

func (c OtelConfig) String() string {
	return fmt.Sprintf("\n  Enabled: %t\n  InstanceID: %s\n  Trace: %s\n  Metrics: %s",
		c.Enabled,
		c.InstanceID,
		c.Trace,
		c.Metrics,
	)
}

type TraceConfig struct {
	Enabled  bool   `cfg:"enabled"`
	Endpoint string `cfg:"endpoint"`
	Insecure bool   `cfg:"insecure"`
}

func (c TraceConfig) String() string {
	return fmt.Sprintf("\n   Enabled: %t\n   Endpoint: %s\n   Insecure: %t",
		c.Enabled,
		c.Endpoint,
		c.Insecure,
	)
}

type MetricsConfig struct {
	Enabled    bool   `cfg:"enabled"`
	ListenAddr string `cfg:"listen_addr"`
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("\n   Enabled: %t\n   ListenAddr: %s",
		c.Enabled,
		c.ListenAddr,
	)
}
