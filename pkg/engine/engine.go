package engine

import (
	"context"

	"github.com/parallaxdata/skiff/pkg/datasource"
)

// AttachOptions scopes an attachment to a conversation session and the
// workspace directory the engine may use for local state and downloads.
type AttachOptions struct {
	ConversationID string
	Workspace      string
}

// TableMetadata describes one table discovered for an attached datasource.
// SchemaName is the engine-side schema the table lives in; for file-backed
// datasources it is the view schema named after the datasource.
type TableMetadata struct {
	DatasourceID string
	SchemaName   string
	Name         string
	Columns      []ColumnMetadata
}

type ColumnMetadata struct {
	Name string
	Type string
}

// Row is one result row keyed by column name.
type Row map[string]any

// QueryResult is the raw result of executing SQL against the engine.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
	Count   int      `json:"count"`
}

// Engine is the embedded analytical engine. Attach is idempotent at the
// engine level: attaching an already-attached datasource is a no-op.
type Engine interface {
	// Catalog returns the engine's session catalog name.
	Catalog() string
	// Schema returns the engine's default schema name.
	Schema() string
	// Attach registers a datasource with the engine so its tables become
	// queryable in-session.
	Attach(ctx context.Context, ds datasource.Datasource, opts AttachOptions) error
	// Metadata discovers tables and columns for the given attached
	// datasources.
	Metadata(ctx context.Context, sources []datasource.Datasource) ([]TableMetadata, error)
	// Query executes SQL and returns the full result set.
	Query(ctx context.Context, sql string) (QueryResult, error)
	Close() error
}

// TableManager is an optional capability for engines that support
// management operations beyond the core Engine contract. Callers must query
// for the capability rather than branching on a concrete engine type:
//
//	if tm, ok := eng.(engine.TableManager); ok { ... }
type TableManager interface {
	// Detach removes a previously attached datasource from the session.
	Detach(ctx context.Context, ds datasource.Datasource) error
}
