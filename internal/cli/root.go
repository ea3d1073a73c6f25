package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pratik-mahalle/driftwatch/internal/config"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
)

var (
	cfgFile      string
	outputFormat string
	dataDir      string
	logLevel     string

	// stdout is swapped by tests
	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "driftwatch",
	Short: "driftwatch - filesystem drift detection agent",
	Long: `driftwatch watches configured directories for file changes, records them
as versioned, content-addressed change-sets and ships them to a remote
collector. It can also establish managed directories from archives.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line until ctx is cancelled
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.driftwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "agent data directory (overrides DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newDetectCmd())
	rootCmd.AddCommand(newChangeSetsCmd())
	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newConfigCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return
		}
		viper.AddConfigPath(filepath.Join(home, ".driftwatch"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DRIFTWATCH")
	viper.AutomaticEnv()

	viper.SetDefault("output", "table")

	_ = viper.ReadInConfig()
}

// loadConfig reads the environment configuration and applies the values
// set through flags, DRIFTWATCH_* variables or the CLI config file
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("data_dir"); v != "" {
		cfg.Agent.DataDir = v
	}
	if v := viper.GetString("definitions_file"); v != "" {
		cfg.Agent.DefinitionsFile = v
	}
	if v := viper.GetString("collector_url"); v != "" {
		cfg.Sync.CollectorURL = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.Logging.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. One-off commands log to stderr so
// their stdout stays machine readable.
func newLogger(cfg *config.Config, daemon bool) *logger.Logger {
	lc := logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	if !daemon {
		if lc.OutputPath == "" || lc.OutputPath == "stdout" {
			lc.OutputPath = "stderr"
		}
		if logLevel == "" && viper.GetString("log_level") == "" {
			lc.Level = "warn"
		}
	}
	return logger.Init(lc)
}

func getOutputFormat() string {
	if outputFormat != "" && outputFormat != "table" {
		return outputFormat
	}
	return viper.GetString("output")
}
