package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "slated",
	Short: "Serve workflow previews, widget data and live dashboard updates",
	Long: `slated assembles the slate engine from its configuration and serves the
HTTP and websocket API. Stores (OLAP, stream, KV) are optional individually,
but at least one must be configured.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		return serve(cmd.Context(), s)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to the config file (default ./slated.yaml, /etc/slated/slated.yaml)")
	rootCmd.Flags().String("listen", "", "listen address (default :8080)")
	rootCmd.Flags().Bool("development", false, "enable development mode")
	rootCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "", "log format: text, json")
}

// flagBindings maps config keys to the command-line flags that override them.
var flagBindings = map[string]string{
	"listen":      "listen",
	"development": "development",
	"log.level":   "log-level",
	"log.format":  "log-format",
}

// loadSettings reads the config file at path (or searches the default
// locations when path is empty), layers SLATE_ environment variables and
// command-line flags on top, and decodes the result. A nil flag set skips
// flag binding.
func loadSettings(path string, flags *pflag.FlagSet) (*settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("slated")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/slated")
	}

	v.SetEnvPrefix("SLATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Environment variables only resolve for keys viper already knows
	// about, so every scalar key registers a default.
	for key, def := range configDefaults {
		v.SetDefault(key, def)
	}

	if flags != nil {
		for key, name := range flagBindings {
			f := flags.Lookup(name)
			if f == nil {
				return nil, fmt.Errorf("flag %s is not registered", name)
			}
			if f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &s, nil
}
