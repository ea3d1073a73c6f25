package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pratik-mahalle/driftwatch/internal/config"
	"github.com/pratik-mahalle/driftwatch/internal/definitions"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/engine"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/schedule"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect agent configuration and manage CLI settings",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigListCmd())

	return cmd
}

// redacted returns cfg with secrets masked for display
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	if out.Sync.APIKey != "" {
		out.Sync.APIKey = "********"
	}
	return out
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective agent configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if getOutputFormat() == "json" {
				return printJSON(redacted(cfg))
			}
			return printYAML(redacted(cfg))
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a definitions file without running detections",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Agent.DefinitionsFile
			if len(args) == 1 {
				path = args[0]
			}
			set, err := definitions.Load(path)
			if err != nil {
				return err
			}

			eng := engine.New(schedule.NewPriorityQueue(), nil, nil, logger.Get())
			keys := make([]drift.Key, 0, len(set))
			for key := range set {
				keys = append(keys, key)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

			invalid := 0
			t := NewTable("RESOURCE", "DEFINITION", "STATUS")
			for _, key := range keys {
				status := "ok"
				if err := eng.Validate(key.ResourceID, set[key]); err != nil {
					invalid++
					status = "invalid: " + err.Error()
				}
				t.AddRow(key.ResourceID, key.DefinitionName, status)
			}
			t.Render()
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", invalid, len(set))
			}
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a CLI setting (data_dir, definitions_file, collector_url, log_level, output)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			viper.Set(args[0], args[1])
			if err := writeConfig(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Set %s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a CLI setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val := viper.Get(args[0])
			if val == nil || val == "" {
				fmt.Fprintf(stdout, "%s: (not set)\n", args[0])
			} else {
				fmt.Fprintf(stdout, "%s: %v\n", args[0], val)
			}
			return nil
		},
	}
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show all CLI settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := viper.AllSettings()
			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				if strings.Contains(key, "key") || strings.Contains(key, "token") {
					fmt.Fprintf(stdout, "%s: ********\n", key)
					continue
				}
				fmt.Fprintf(stdout, "%s: %v\n", key, settings[key])
			}
			return nil
		},
	}
}

func writeConfig() error {
	if cfgFile != "" {
		return viper.WriteConfigAs(cfgFile)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".driftwatch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return viper.WriteConfigAs(filepath.Join(dir, "config.yaml"))
}
