package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/scanner"
)

func newScanCmd() *cobra.Command {
	var includes, excludes []string
	var algorithm string

	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Fingerprint the files under a directory",
		Long: `Walk a directory with the same filters and hashing the agent uses and
print every selected file with its content hash. Nothing is persisted.

Filters take the form [path:]pattern, for example "conf:*.yaml" or "*.bak".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := hasher.New(hasher.Algorithm(algorithm))
			if err != nil {
				return err
			}
			inc, exc := parseFilters(includes), parseFilters(excludes)
			if err := scanner.ValidateFilters(inc, exc); err != nil {
				return err
			}

			files, err := scanner.New(h, scanner.WithLogger(logger.Get())).Snapshot(cmd.Context(), args[0], inc, exc)
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

	cmd.Flags().StringSliceVar(&includes, "include", nil, "include filter [path:]pattern (repeatable)")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "exclude filter [path:]pattern (repeatable)")
	cmd.Flags().StringVar(&algorithm, "algorithm", string(hasher.Default), "hash algorithm")

	return cmd
}

// parseFilters turns [path:]pattern flags into filters
func parseFilters(specs []string) []drift.Filter {
	var out []drift.Filter
	for _, s := range specs {
		if path, pattern, ok := strings.Cut(s, ":"); ok {
			out = append(out, drift.Filter{Path: path, Pattern: pattern})
			continue
		}
		out = append(out, drift.Filter{Pattern: s})
	}
	return out
}
