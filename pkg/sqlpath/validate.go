package sqlpath

import (
	"fmt"
	"strings"
)

// maxAvailableSample caps how many known paths an error message lists.
const maxAvailableSample = 20

// PathIndex is the conversation-scoped view of the schema cache that
// validation and rewriting run against.
type PathIndex interface {
	// HasTablePath reports whether the path matches any known display or
	// query path.
	HasTablePath(path string) bool
	// AllTablePaths returns every known table path.
	AllTablePaths() []string
	// QueryPathForDisplayPath maps a display path to the path the engine
	// accepts.
	QueryPathForDisplayPath(displayPath string) (string, bool)
}

// UnattachedDatasourceError reports multi-part table references whose
// leading segment is not an attached datasource.
type UnattachedDatasourceError struct {
	Datasources []string
	Attached    []string
}

func (e *UnattachedDatasourceError) Error() string {
	attached := "none"
	if len(e.Attached) > 0 {
		attached = strings.Join(e.Attached, ", ")
	}
	return fmt.Sprintf("query references datasources that are not attached: %s (attached datasources: %s)",
		strings.Join(e.Datasources, ", "), attached)
}

// UnknownTableError reports multi-part table references that match no known
// display or query path, along with a sample of what is available.
type UnknownTableError struct {
	Paths     []string
	Available []string
}

func (e *UnknownTableError) Error() string {
	available := "none"
	if len(e.Available) > 0 {
		sample := e.Available
		if len(sample) > maxAvailableSample {
			sample = sample[:maxAvailableSample]
		}
		available = strings.Join(sample, ", ")
	}
	return fmt.Sprintf("query references unknown tables: %s (available tables: %s)",
		strings.Join(e.Paths, ", "), available)
}

// ValidateReferencedDatasources checks that the leading segment of every
// multi-part table reference is an attached database name. Single-segment
// references are exempt; they live in the session's default namespace.
func ValidateReferencedDatasources(sql string, attachedDatabaseNames []string) error {
	attached := make(map[string]bool, len(attachedDatabaseNames))
	for _, name := range attachedDatabaseNames {
		attached[name] = true
	}

	var missing []string
	seen := make(map[string]bool)
	for _, path := range ExtractTablePaths(sql) {
		segments := strings.Split(path, ".")
		if len(segments) < 2 {
			continue
		}
		ds := segments[0]
		if !attached[ds] && !seen[ds] {
			seen[ds] = true
			missing = append(missing, ds)
		}
	}

	if len(missing) > 0 {
		return &UnattachedDatasourceError{Datasources: missing, Attached: attachedDatabaseNames}
	}
	return nil
}

// ValidateTableExistence checks that every multi-part table reference
// matches a known display or query path in the cache.
func ValidateTableExistence(sql string, index PathIndex) error {
	var missing []string
	for _, path := range ExtractTablePaths(sql) {
		if !strings.Contains(path, ".") {
			continue
		}
		if index.HasTablePath(path) {
			continue
		}
		missing = append(missing, path)
	}

	if len(missing) > 0 {
		return &UnknownTableError{Paths: missing, Available: index.AllTablePaths()}
	}
	return nil
}
