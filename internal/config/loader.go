package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, standard locations are searched for
// hostwaf.yaml/.yml; the explicit extension avoids matching the binary.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("hostwaf")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: HOSTWAF_SERVER_EDGE_ADDR etc.
	viper.SetEnvPrefix("HOSTWAF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".hostwaf"),
		"/etc/hostwaf",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "hostwaf"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so environment variables can
// override them. Maps like origins are file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.edge_addr")
	_ = viper.BindEnv("server.admin_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.eval_timeout")
	_ = viper.BindEnv("server.trusted_proxy")

	_ = viper.BindEnv("data.dir")

	_ = viper.BindEnv("audit.dir")
	_ = viper.BindEnv("audit.retention_days")

	_ = viper.BindEnv("events.dir")
	_ = viper.BindEnv("events.retention_days")
	_ = viper.BindEnv("events.buffer_size")

	_ = viper.BindEnv("tracing.enabled")
	_ = viper.BindEnv("dev_mode")
}

// Load reads the configuration file, applies environment overrides on top
// of defaults, and returns the Config. Callers apply CLI flag overrides,
// then call Validate.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No file is fine: defaults plus environment variables apply.
	}

	cfg := Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// FileUsed reports which config file viper loaded, if any.
func FileUsed() string { return viper.ConfigFileUsed() }
