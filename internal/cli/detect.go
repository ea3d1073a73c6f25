package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/driftwatch/internal/definitions"
)

// detectionRow is the printable result of one detection
type detectionRow struct {
	ResourceID string `json:"resourceId" yaml:"resourceId"`
	Definition string `json:"definition" yaml:"definition"`
	Outcome    string `json:"outcome" yaml:"outcome"`
	Version    *int   `json:"version,omitempty" yaml:"version,omitempty"`
	Entries    int    `json:"entries" yaml:"entries"`
	Synced     bool   `json:"synced" yaml:"synced"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newDetectCmd() *cobra.Command {
	var upload bool

	cmd := &cobra.Command{
		Use:   "detect [resource] [definition]",
		Short: "Run detection once for the configured definitions",
		Long: `Load the definitions file, run every enabled definition (or the ones
selected by the arguments) once and write the resulting change-sets. With
--upload, new change-sets are sent to the collector before returning.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg, false)
			a, err := newApp(cfg, log, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			set, err := definitions.Load(cfg.Agent.DefinitionsFile)
			if err != nil {
				return err
			}
			selected := 0
			for key, def := range set {
				if len(args) > 0 && key.ResourceID != args[0] {
					continue
				}
				if len(args) > 1 && key.DefinitionName != args[1] {
					continue
				}
				if err := a.engine.OnDefinitionChanged(key.ResourceID, def); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				if def.Enabled {
					selected++
				}
			}
			if selected == 0 {
				return fmt.Errorf("no enabled drift definitions match")
			}
			if upload && a.syncer == nil {
				return fmt.Errorf("--upload needs COLLECTOR_URL")
			}

			ctx := cmd.Context()
			var rows []detectionRow
			failed := 0
			for _, res := range a.detector.RunOnce(ctx, time.Now()) {
				row := detectionRow{
					ResourceID: res.Key.ResourceID,
					Definition: res.Key.DefinitionName,
					Outcome:    string(res.Outcome),
				}
				if res.Err != nil {
					failed++
					row.Error = res.Err.Error()
				}
				if res.ChangeSet != nil {
					v := res.ChangeSet.Version
					row.Version = &v
					row.Entries = len(res.ChangeSet.Entries)
				}
				if upload && res.Err == nil {
					if err := a.syncer.SendChangeSet(ctx, res.Key.ResourceID, res.Key.DefinitionName); err != nil {
						row.Error = err.Error()
					} else {
						row.Synced = true
					}
				}
				rows = append(rows, row)
			}

			if getOutputFormat() != "table" {
				if err := printOutput(rows); err != nil {
					return err
				}
			} else {
				renderDetections(rows)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d detections failed", failed, len(rows))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&upload, "upload", false, "upload pending change-sets to the collector")
	return cmd
}

func renderDetections(rows []detectionRow) {
	t := NewTable("RESOURCE", "DEFINITION", "OUTCOME", "VERSION", "ENTRIES", "SYNCED", "ERROR")
	for _, r := range rows {
		version := "-"
		if r.Version != nil {
			version = strconv.Itoa(*r.Version)
		}
		t.AddRow(r.ResourceID, r.Definition, formatStatus(r.Outcome), version,
			strconv.Itoa(r.Entries), strconv.FormatBool(r.Synced), truncate(r.Error, 60))
	}
	t.Render()
}
