package catalog

import (
	"strings"

	"github.com/parallaxdata/skiff/pkg/datasource"
)

// NamingFormat is the shape of a datasource's table paths: two-part
// (datasource.table) or three-part (datasource.schema.table).
type NamingFormat int

const (
	TwoPart NamingFormat = iota + 1
	ThreePart
)

func (f NamingFormat) String() string {
	switch f {
	case TwoPart:
		return "two-part"
	case ThreePart:
		return "three-part"
	}
	return "unknown"
}

// CanonicalSchema is the engine-side schema segment that query paths use for
// providers the engine flattens into its default namespace.
const CanonicalSchema = "main"

// formatOverrides lists providers that deviate from their category default.
// sqlite is a foreign database, but the engine flattens its tables into a
// single namespace, so its paths are two-part like file-backed datasets.
var formatOverrides = map[datasource.Provider]NamingFormat{
	datasource.ProviderSQLite: TwoPart,
}

// displaySchemaOverrides maps providers whose display convention keeps the
// provider-native default schema name even though the engine exposes their
// tables under the canonical "main" schema. The display path carries the
// native name; the query path carries "main"; the cache records the mapping
// at load time.
var displaySchemaOverrides = map[datasource.Provider]string{
	datasource.ProviderClickHouse: "default",
}

// FormatFor returns the naming format for a provider: file-backed providers
// default to two-part, foreign-database providers default to three-part,
// with explicit per-provider overrides applied on top.
func FormatFor(p datasource.Provider) NamingFormat {
	if f, ok := formatOverrides[p]; ok {
		return f
	}
	if p.IsFileBacked() {
		return TwoPart
	}
	return ThreePart
}

// FormatTablePath builds the display path for a discovered table.
func FormatTablePath(p datasource.Provider, datasourceID, schemaName, tableName string) string {
	if FormatFor(p) == TwoPart {
		return datasourceID + "." + tableName
	}
	return datasourceID + "." + displaySchemaName(p, schemaName) + "." + tableName
}

// queryTablePath builds the path the engine accepts for a discovered table,
// using the engine-reported schema segment verbatim.
func queryTablePath(p datasource.Provider, datasourceID, schemaName, tableName string) string {
	if FormatFor(p) == TwoPart {
		return datasourceID + "." + tableName
	}
	return datasourceID + "." + schemaName + "." + tableName
}

func displaySchemaName(p datasource.Provider, engineSchema string) string {
	if name, ok := displaySchemaOverrides[p]; ok && strings.EqualFold(engineSchema, CanonicalSchema) {
		return name
	}
	return engineSchema
}
