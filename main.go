package main

import (
	"context"
	_ "embed"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/topi314/tint"
	"go.opentelemetry.io/otel"

	"github.com/topvine/cmsync/cmsync"
	"github.com/topvine/cmsync/cmsync/database"
	"github.com/topvine/cmsync/internal/ver"
)

//go:embed sql/schema.sql
var schema string

func main() {
	version := ver.Load()
	log.Printf("Starting cmsync version: %s", version.Format())
	cfgPath := flag.String("config", "", "path to cmsync.json")
	debug := flag.Bool("debug", false, "enable debug mode")
	flag.Parse()

	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("http_timeout", "30s")
	viper.SetDefault("public_url", "http://localhost:8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.add_source", false)
	viper.SetDefault("log.no_color", false)
	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.debug", false)
	viper.SetDefault("database.path", "cmsync.db")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.username", "cmsync")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "cmsync")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("sync.page_size", 100)
	viper.SetDefault("sync.upstream_timeout", "30s")
	viper.SetDefault("sync.scheduler_interval", "1m")
	viper.SetDefault("sync.run_timeout", "30m")
	viper.SetDefault("sync.fields_cache_size", 256)
	viper.SetDefault("sync.fields_cache_ttl", "5m")
	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.instance_id", "1")
	viper.SetDefault("otel.trace.enabled", false)
	viper.SetDefault("otel.trace.endpoint", "localhost:4318")
	viper.SetDefault("otel.trace.insecure", false)
	viper.SetDefault("otel.metrics.enabled", false)
	viper.SetDefault("otel.metrics.listen_addr", ":9100")

	if *cfgPath != "" {
		viper.SetConfigFile(*cfgPath)
	} else {
		viper.SetConfigName("cmsync")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cmsync/")
	}
	if err := viper.ReadInConfig(); err != nil {
		log.Println("Error while reading config, using defaults:", err)
	}
	viper.SetEnvPrefix("cmsync")
	viper.AutomaticEnv()

	var cfg cmsync.Config
	if err := viper.Unmarshal(&cfg, func(config *mapstructure.DecoderConfig) {
		config.TagName = "cfg"
		config.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			logLevelDecodeHook,
		)
	}); err != nil {
		log.Fatalln("Error while unmarshalling config:", err)
	}
	setupLogger(cfg.Log)
	slog.Info("Config loaded", slog.String("config", cfg.String()))

	if err := cmsync.SetupOtel(version.Version, cfg.Otel); err != nil {
		slog.Error("Error while setting up otel", tint.Err(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := database.New(ctx, cfg.Database, schema)
	if err != nil {
		slog.Error("Error while connecting to database", tint.Err(err))
		os.Exit(1)
	}

	s := cmsync.NewServer(version.Format(), *debug || cfg.Debug, cfg, db,
		otel.Meter(cmsync.Name),
		otel.Tracer(cmsync.Name),
	)
	slog.Info("cmsync listening", slog.String("addr", cfg.ListenAddr))
	go s.Start()
	defer s.Close()

	si := make(chan os.Signal, 1)
	signal.Notify(si, syscall.SIGINT, syscall.SIGTERM)
	<-si
	slog.Info("Shutting down cmsync...")
}

func setupLogger(cfg cmsync.LogConfig) {
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource: cfg.AddSource,
			Level:     cfg.Level,
		})
	default:
		handler = tint.NewHandler(colorable.NewColorable(os.Stdout), &tint.Options{
			AddSource: cfg.AddSource,
			Level:     cfg.Level,
			NoColor:   cfg.NoColor,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// logLevelDecodeHook lets the log level be written as debug/info/warn/error in
// the config file.
func logLevelDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(slog.Level(0)) {
		return data, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(data.(string))); err != nil {
		return nil, err
	}
	return level, nil
}
