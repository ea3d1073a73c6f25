package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/driftwatch/internal/api/dto"
	"github.com/pratik-mahalle/driftwatch/internal/changeset"
	"github.com/pratik-mahalle/driftwatch/internal/db"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
)

func newChangeSetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "changesets",
		Aliases: []string{"cs"},
		Short:   "Inspect stored change-sets",
	}

	cmd.AddCommand(newChangeSetsListCmd())
	cmd.AddCommand(newChangeSetsShowCmd())
	cmd.AddCommand(newChangeSetsSnapshotCmd())

	return cmd
}

// localStore opens the change-set store and state database of the data dir
func localStore() (*changeset.FileStore, *db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := changeset.NewFileStore(cfg.Agent.DataDir, newLogger(cfg, false))
	if err != nil {
		return nil, nil, err
	}
	ledger, err := db.Open(cfg.StateDBPath())
	if err != nil {
		return nil, nil, err
	}
	return store, ledger, nil
}

func delivered(ctx context.Context, ledger *db.DB, cs *drift.ChangeSet) bool {
	row, ok, err := ledger.LastDelivered(ctx, cs.ResourceID, cs.DefinitionName)
	return err == nil && ok && row.Version >= cs.Version
}

func newChangeSetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [resource] [definition]",
		Short: "List resources, definitions or change-set versions",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, ledger, err := localStore()
			if err != nil {
				return err
			}
			defer ledger.Close()

			switch len(args) {
			case 0:
				return printNames(store.Resources(ctx))
			case 1:
				return printNames(store.Definitions(ctx, args[0]))
			}

			var out []dto.ChangeSetSummaryDTO
			for cs, err := range store.ReadAll(ctx, args[0], args[1]) {
				if err != nil {
					return err
				}
				out = append(out, dto.ToChangeSetSummaryDTO(cs, delivered(ctx, ledger, cs)))
			}
			if len(out) == 0 {
				return fmt.Errorf("no change-sets for %s/%s", args[0], args[1])
			}

			if getOutputFormat() != "table" {
				return printOutput(out)
			}
			t := NewTable("VERSION", "CATEGORY", "MODE", "PINNED", "ENTRIES", "CREATED", "DELIVERED")
			for _, s := range out {
				t.AddRow(
					strconv.Itoa(s.Version),
					formatStatus(string(s.Category)),
					string(s.Mode),
					strconv.FormatBool(s.Pinned),
					strconv.Itoa(s.Entries),
					s.CreatedAt.Format("2006-01-02 15:04:05"),
					strconv.FormatBool(s.Delivered),
				)
			}
			t.Render()
			return nil
		},
	}
}

func printNames(names []string, err error) error {
	if err != nil {
		return err
	}
	if getOutputFormat() != "table" {
		if names == nil {
			names = []string{}
		}
		return printOutput(names)
	}
	t := NewTable("NAME")
	for _, n := range names {
		t.AddRow(n)
	}
	t.Render()
	return nil
}

func newChangeSetsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <resource> <definition> [version]",
		Short: "Show the entries of a change-set (default: latest)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, ledger, err := localStore()
			if err != nil {
				return err
			}
			defer ledger.Close()

			var cs *drift.ChangeSet
			if len(args) == 3 {
				version, convErr := strconv.Atoi(args[2])
				if convErr != nil {
					return fmt.Errorf("invalid version %q", args[2])
				}
				cs, err = store.Read(ctx, args[0], args[1], version)
			} else {
				cs, err = store.ReadLatest(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}

			out := dto.ToChangeSetDTO(cs, delivered(ctx, ledger, cs))
			if getOutputFormat() != "table" {
				return printOutput(out)
			}
			fmt.Fprintf(stdout, "%s/%s version %d (%s, %s, base %s)\n\n",
				out.ResourceID, out.Definition, out.Version, out.Category, out.Mode, out.BaseDirectory)
			t := NewTable("STATUS", "PATH", "PREVIOUS", "NEW")
			for _, e := range out.Entries {
				t.AddRow(string(e.Status), e.Path, dashIfEmpty(e.PreviousHash), dashIfEmpty(e.NewHash))
			}
			t.Render()
			return nil
		},
	}
}

func newChangeSetsSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <resource> <definition>",
		Short: "Show the baseline replayed from the change-set chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ledger, err := localStore()
			if err != nil {
				return err
			}
			defer ledger.Close()

			files, _, err := store.Snapshot(cmd.Context(), args[0], args[1])
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
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
