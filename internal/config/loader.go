package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// InitViper initializes Viper with the Server's configuration file and
// environment variables. If configFile is empty, it searches for
// carapace.yaml/.yml in standard locations. The search requires an explicit
// YAML extension to avoid matching the binary itself, which Viper's
// built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("carapace")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CARAPACE_LISTEN, CARAPACE_POLICY_FILE, etc.
	viper.SetEnvPrefix("CARAPACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a carapace config file with
// an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "carapace-server" (no extension) in the current
// directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".carapace"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "carapace"))
		}
	} else {
		paths = append(paths, "/etc/carapace")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for carapace.yaml or
// .yml. Returns the full path of the first match, or empty string if none
// found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "carapace"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the Server config keys for environment variable
// support, so e.g. CARAPACE_LISTEN overrides listen and
// CARAPACE_AUDIT_FILE_DIR overrides audit_file.dir.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("listen")
	_ = viper.BindEnv("policy_file")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("dev_mode")
	_ = viper.BindEnv("max_frame_bytes")
	_ = viper.BindEnv("capture_cap_bytes")

	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")
	_ = viper.BindEnv("audit.warning_threshold")

	_ = viper.BindEnv("audit_file.dir")
	_ = viper.BindEnv("audit_file.retention_days")
	_ = viper.BindEnv("audit_file.max_file_size_mb")
	_ = viper.BindEnv("audit_file.cache_size")

	_ = viper.BindEnv("sqlite_audit.enabled")
	_ = viper.BindEnv("sqlite_audit.path")

	_ = viper.BindEnv("metrics.enabled")
	_ = viper.BindEnv("metrics.addr")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the ServerConfig.
// Note: Caller should apply any CLI flag overrides (e.g. --dev, --listen),
// then call cfg.SetDevDefaults() and cfg.Validate() to complete
// initialization.
func LoadConfig() (*ServerConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg ServerConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*ServerConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// LoadAgentConfig builds an AgentConfig purely from the process environment
// (CARAPACE_SERVER_HOST, CARAPACE_SERVER_PORT, CARAPACE_CLI_SOCKET,
// CARAPACE_HTTP_LISTEN_ADDR or CARAPACE_HTTP_PORT, CARAPACE_LOG_LEVEL,
// CARAPACE_DEV_MODE), applies defaults, and validates. The Agent carries no
// config file: it runs unattended inside the untrusted workload.
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServerHost: os.Getenv("CARAPACE_SERVER_HOST"),
		CliSocket:  os.Getenv("CARAPACE_CLI_SOCKET"),
		LogLevel:   os.Getenv("CARAPACE_LOG_LEVEL"),
	}

	if portStr := os.Getenv("CARAPACE_SERVER_PORT"); portStr != "" {
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("invalid CARAPACE_SERVER_PORT %q: %w", portStr, err)
		}
		cfg.ServerPort = port
	}

	if addr := os.Getenv("CARAPACE_HTTP_LISTEN_ADDR"); addr != "" {
		cfg.HTTPListenAddr = addr
	} else if port := os.Getenv("CARAPACE_HTTP_PORT"); port != "" {
		cfg.HTTPListenAddr = "127.0.0.1:" + port
	}

	if dev := os.Getenv("CARAPACE_DEV_MODE"); dev == "1" || strings.EqualFold(dev, "true") {
		cfg.DevMode = true
	}

	cfg.SetDefaults()

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return nil, formatValidationErrors(err)
	}
	return cfg, nil
}
