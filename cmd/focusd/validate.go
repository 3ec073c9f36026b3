package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goodtune/focusd/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the focusd configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, defaultConfig())

		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

// defaultConfig creates a configuration with default values
func defaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, def *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, def.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, def.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, def.Server.MetricsPort, yellow, green)
	dumpField("  read_timeout", cfg.Server.ReadTimeout, def.Server.ReadTimeout, yellow, green)
	dumpField("  write_timeout", cfg.Server.WriteTimeout, def.Server.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, def.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, def.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, def.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, def.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(def.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, def.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, def.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, def.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, def.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, def.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, def.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, def.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, def.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[heartbeat]")
	dumpField("  drift_threshold", cfg.Heartbeat.DriftThreshold, def.Heartbeat.DriftThreshold, yellow, green)
	dumpField("  recovery_heartbeats", cfg.Heartbeat.RecoveryHeartbeats, def.Heartbeat.RecoveryHeartbeats, yellow, green)
	dumpField("  conflict_retries", cfg.Heartbeat.ConflictRetries, def.Heartbeat.ConflictRetries, yellow, green)
	dumpField("  max_session_duration", cfg.Heartbeat.MaxSessionDuration, def.Heartbeat.MaxSessionDuration, yellow, green)

	_, _ = cyan.Println("\n[anomaly]")
	dumpField("  policy_dir", cfg.Anomaly.PolicyDir, def.Anomaly.PolicyDir, yellow, green)

	_, _ = cyan.Println("\n[streak]")
	dumpField("  retry_interval", cfg.Streak.RetryInterval, def.Streak.RetryInterval, yellow, green)
	dumpField("  conflict_retries", cfg.Streak.ConflictRetries, def.Streak.ConflictRetries, yellow, green)
	dumpField("  timezone_cache_size", cfg.Streak.TimezoneCacheSize, def.Streak.TimezoneCacheSize, yellow, green)

	_, _ = cyan.Println("\n[agent]")
	dumpField("  server_url", cfg.Agent.ServerURL, def.Agent.ServerURL, yellow, green)
	dumpField("  user_id", cfg.Agent.UserID, def.Agent.UserID, yellow, green)
	dumpField("  state_path", cfg.Agent.StatePath, def.Agent.StatePath, yellow, green)
	dumpField("  heartbeat_interval", cfg.Agent.HeartbeatInterval, def.Agent.HeartbeatInterval, yellow, green)
	dumpField("  heartbeat_timeout", cfg.Agent.HeartbeatTimeout, def.Agent.HeartbeatTimeout, yellow, green)
	dumpField("  retry_initial", cfg.Agent.RetryInitial, def.Agent.RetryInitial, yellow, green)
	dumpField("  retry_max", cfg.Agent.RetryMax, def.Agent.RetryMax, yellow, green)
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
