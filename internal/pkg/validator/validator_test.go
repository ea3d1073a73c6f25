package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
)

func validDefinition() drift.Definition {
	return drift.Definition{
		Name:          "app-config",
		Enabled:       true,
		BaseDirectory: drift.BaseDirectory{Context: drift.ContextFileSystem, Path: "/etc/app"},
		Interval:      time.Minute,
		Includes:      []drift.Filter{{Path: "conf", Pattern: "*.yaml"}},
	}
}

func TestValidate_Definition(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		mutate  func(*drift.Definition)
		wantTag string
	}{
		{name: "valid", mutate: func(*drift.Definition) {}},
		{name: "missing name", mutate: func(d *drift.Definition) { d.Name = "" }, wantTag: "required"},
		{name: "slash in name", mutate: func(d *drift.Definition) { d.Name = "a/b" }, wantTag: "defname"},
		{name: "leading dot", mutate: func(d *drift.Definition) { d.Name = ".." }, wantTag: "defname"},
		{name: "unknown context", mutate: func(d *drift.Definition) { d.BaseDirectory.Context = "registry" }, wantTag: "oneof"},
		{name: "sub-second interval", mutate: func(d *drift.Definition) { d.Interval = time.Millisecond }, wantTag: "min"},
		{name: "bad cron", mutate: func(d *drift.Definition) { d.Schedule = "every tuesday" }, wantTag: "cron"},
		{name: "good cron", mutate: func(d *drift.Definition) { d.Schedule = "*/5 * * * *" }},
		{name: "bad glob", mutate: func(d *drift.Definition) { d.Excludes = []drift.Filter{{Pattern: "[abc"}} }, wantTag: "glob"},
		{name: "line break in base directory", mutate: func(d *drift.Definition) { d.BaseDirectory.Path = "/etc/app\nversion 7" }, wantTag: "singleline"},
		{name: "bad mode", mutate: func(d *drift.Definition) { d.Mode = "loud" }, wantTag: "oneof"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			errs := v.Validate(def)
			if tt.wantTag == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantTag, errs[0].Tag)
			assert.NotEmpty(t, errs[0].Message)
		})
	}
}

func TestValidate_DurationMessage(t *testing.T) {
	def := validDefinition()
	def.Interval = time.Millisecond
	errs := New().Validate(def)
	require.Len(t, errs, 1)
	assert.Equal(t, "interval must be at least 1s", errs[0].Message)
}

func TestValidateVar(t *testing.T) {
	v := New()
	assert.NoError(t, v.ValidateVar("host-1", "required,defname"))
	assert.Error(t, v.ValidateVar("", "required"))
}
