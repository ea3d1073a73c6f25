package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pratik-mahalle/driftwatch/internal/deployer"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
)

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Establish and inspect managed directories",
	}

	cmd.AddCommand(newDeployApplyCmd())
	cmd.AddCommand(newDeployStatusCmd())

	return cmd
}

func newDeployApplyCmd() *cobra.Command {
	var (
		file      string
		dest      string
		sources   []string
		tokens    []string
		realize   []string
		algorithm string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Populate a destination from archives and files",
		Long: `Unpack zip and tar.gz archives and copy files into a destination, then
record the fingerprint of every written file. A destination that is
already managed is left untouched.

Sources take the form path[=target]. Files matching a --realize glob have
their @@token@@ placeholders replaced by --token values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dep deployer.Deployment
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(b, &dep); err != nil {
					return fmt.Errorf("invalid deployment file: %w", err)
				}
			}
			if dest != "" {
				dep.Destination = dest
			}
			for _, s := range sources {
				path, target, _ := strings.Cut(s, "=")
				dep.Sources = append(dep.Sources, deployer.Source{Path: path, Target: target, Realize: realize})
			}
			for _, t := range tokens {
				k, v, ok := strings.Cut(t, "=")
				if !ok {
					return fmt.Errorf("invalid token %q, want KEY=VALUE", t)
				}
				if dep.Tokens == nil {
					dep.Tokens = map[string]string{}
				}
				dep.Tokens[k] = v
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if algorithm == "" {
				algorithm = cfg.Agent.HashAlgorithm
			}
			h, err := hasher.New(hasher.Algorithm(algorithm))
			if err != nil {
				return err
			}

			d := deployer.New(cfg.Agent.DataDir, h, newLogger(cfg, false))
			files, err := d.Deploy(cmd.Context(), dep)
			if err != nil {
				return err
			}
			if getOutputFormat() != "table" {
				return printOutput(files)
			}
			t := NewTable("PATH", "HASH")
			for _, p := range files.Paths() {
				t.AddRow(p, files[p])
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "deployment YAML file")
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory")
	cmd.Flags().StringArrayVar(&sources, "source", nil, "source path[=target] (repeatable)")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "realize token KEY=VALUE (repeatable)")
	cmd.Flags().StringSliceVar(&realize, "realize", nil, "globs of files to realize, for --source entries")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "hash algorithm (default HASH_ALGORITHM)")

	return cmd
}

func newDeployStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <dest>",
		Short: "Show the deployment marker of a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d := deployer.New(cfg.Agent.DataDir, hasher.MustNew(hasher.Algorithm(cfg.Agent.HashAlgorithm)), newLogger(cfg, false))
			if !d.Managed(args[0]) {
				return fmt.Errorf("%s is not a managed directory", args[0])
			}
			m, err := d.Marker(args[0])
			if err != nil {
				return err
			}
			if getOutputFormat() != "table" {
				return printOutput(m)
			}
			key, _ := deployer.PathKey(args[0])
			fmt.Fprintf(stdout, "%s (key %s, %s, deployed %s)\n\n", m.Destination, key, m.Algorithm, m.DeployedAt.Format("2006-01-02 15:04:05"))
			t := NewTable("PATH", "HASH")
			for _, p := range m.Files.Paths() {
				t.AddRow(p, m.Files[p])
			}
			t.Render()
			return nil
		},
	}
}
