package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config contains every configuration option consumed by the framing core
// and its CLI entrypoints.
type Config struct {
	// Hostname of the server. BindAddress does not use it: acceptors bind
	// 0.0.0.0 when BindOnlyGlobalAddress is false.
	Hostname string `mapstructure:"hostname"`
	// IP address acceptors bind to when BindOnlyGlobalAddress is true.
	IP string `mapstructure:"ip"`
	// BindOnlyGlobalAddress selects between binding 0.0.0.0 and the configured IP.
	BindOnlyGlobalAddress bool `mapstructure:"bind_only_global_address"`
	// ServerName is compared against the proxy preamble sent ahead of the
	// first frame on single-socket services.
	ServerName string `mapstructure:"server_name"`
	// MaxConnections is loaded (default 5000) but not enforced; the
	// ConnectionRegistry has no size limit.
	MaxConnections int `mapstructure:"max_connections"`
	// Ports lists the TCP ports cmd/canary opens a ServicePort on at startup.
	Ports []int `mapstructure:"ports"`
	// MaxPacketsPerSecond is the inbound per-connection rate limit.
	MaxPacketsPerSecond int `mapstructure:"max_packets_per_second"`
	// ReadTimeoutSeconds is the idle-read deadline, and also the accept-loop error retry interval.
	ReadTimeoutSeconds int `mapstructure:"read_timeout_seconds"`
	// WriteTimeoutSeconds is the write-stall deadline and the protocol release/on_connect dispatch delay.
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
	// Full path to the file logs are written to; blank writes to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	Debugging struct {
		// Enable the pprof HTTP endpoint.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port the pprof endpoint listens on.
		PprofPort int `mapstructure:"pprof_port"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "CANARY"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			fmt.Printf("error reading config file: no config file in path %s\n", configPath)
		} else {
			fmt.Printf("error reading config file: %v\n", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, debugging.pprof_port can be set using <envVarPrefix>_DEBUGGING_PPROF_PORT.
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s\n", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v\n", err)
		os.Exit(1)
	}
	return config
}

func setDefaults() {
	viper.SetDefault("max_connections", 5000)
	viper.SetDefault("max_packets_per_second", 10)
	viper.SetDefault("read_timeout_seconds", 30)
	viper.SetDefault("write_timeout_seconds", 15)
	viper.SetDefault("log_level", "info")
}

// BindAddress returns the address an acceptor should bind to for the given
// port, honoring BindOnlyGlobalAddress.
func (c *Config) BindAddress(port int) string {
	host := "0.0.0.0"
	if c.BindOnlyGlobalAddress {
		host = c.IP
	}
	return fmt.Sprintf("%s:%d", host, port)
}
