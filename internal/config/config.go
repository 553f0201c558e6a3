// Package config loads the Kestrel configuration from defaults, an optional
// config file, a .env file and KESTREL_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment variable, e.g. KESTREL_SERVER_PORT.
const EnvPrefix = "KESTREL"

// Options controls where configuration is read from.
type Options struct {
	// ConfigFile is an explicit config file path. When empty, kestrel.yaml is
	// searched in the working directory and /etc/kestrel.
	ConfigFile string

	// EnvFile is loaded into the process environment before reading
	// variables. Missing files are ignored.
	EnvFile string
}

// Load builds the configuration. Precedence, highest first: flags bound to v,
// environment, config file, tier defaults.
func Load(v *viper.Viper, opts Options) (*domain.Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("kestrel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kestrel")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// The tier picks the default stack; everything else overrides it.
	base := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("tier", string(cfg.Tier))
	v.SetDefault("debug", false)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.readtimeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.writetimeout", cfg.Server.WriteTimeout)

	v.SetDefault("violations.enforcemissingtagdetail", cfg.Violations.EnforceMissingTagDetail)
	v.SetDefault("violations.ruleworkers", cfg.Violations.RuleWorkers)

	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlitepath", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgreshost", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgresport", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgresuser", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgrespassword", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgresdb", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgressslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.maxopenconns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.maxidleconns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.connmaxlifetime", cfg.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.localmaxsize", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.localttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redisaddr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redispassword", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redisdb", cfg.Cache.RedisDB)
	v.SetDefault("cache.enabletwophase", cfg.Cache.EnableTwoPhase)
	v.SetDefault("cache.snapshotttl", cfg.Cache.SnapshotTTL)
	v.SetDefault("cache.violationsttl", cfg.Cache.ViolationsTTL)

	v.SetDefault("eventbus.type", cfg.EventBus.Type)
	v.SetDefault("eventbus.channelbuffersize", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.natsurl", cfg.EventBus.NATSUrl)
	v.SetDefault("eventbus.natstoken", cfg.EventBus.NATSToken)
	v.SetDefault("eventbus.natsmaxreconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.natsreconnectwait", cfg.EventBus.NATSReconnectWait)

	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.tenantids", cfg.Worker.TenantIDs)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.servicename", cfg.Tracing.ServiceName)
}

// Validate checks the values that select implementations.
func Validate(cfg *domain.Config) error {
	var errs []error

	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		errs = append(errs, fmt.Errorf("unknown tier %q", cfg.Tier))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type))
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", cfg.Logging.Format))
	}
	if cfg.Violations.RuleWorkers <= 0 {
		errs = append(errs, fmt.Errorf("violations.ruleworkers must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}
