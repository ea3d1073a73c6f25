package drift

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BaseDirResolver turns a base directory descriptor into a host path
type BaseDirResolver interface {
	Resolve(resourceID string, dir BaseDirectory) (string, error)
}

// RootResolver resolves fileSystem paths as given. The other contexts are
// looked up under Root/<resourceID>/<context>/<path>, which is where the
// host materializes plugin and resource configuration for the agent.
type RootResolver struct {
	Root string
}

// Resolve implements BaseDirResolver
func (r RootResolver) Resolve(resourceID string, dir BaseDirectory) (string, error) {
	switch dir.Context {
	case ContextFileSystem, "":
		if filepath.IsAbs(dir.Path) || r.Root == "" {
			return filepath.Clean(dir.Path), nil
		}
		return filepath.Join(r.Root, dir.Path), nil
	case ContextPluginConfiguration, ContextResourceConfiguration, ContextMeasurementTrait:
		if r.Root == "" {
			return "", fmt.Errorf("no resource root configured for context %s", dir.Context)
		}
		rel := filepath.Clean("/" + dir.Path)
		if strings.Contains(resourceID, "/") || strings.Contains(resourceID, "..") {
			return "", fmt.Errorf("resource id %q cannot be used as a directory name", resourceID)
		}
		return filepath.Join(r.Root, resourceID, string(dir.Context), rel), nil
	default:
		return "", fmt.Errorf("unknown base directory context %q", dir.Context)
	}
}
