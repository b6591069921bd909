package datasource

import (
	"context"
	"fmt"
)

// Provider identifies the backend a datasource lives on. The provider decides
// how the engine attaches the datasource and which naming format its table
// paths use.
type Provider string

const (
	ProviderPostgres   Provider = "postgres"
	ProviderMySQL      Provider = "mysql"
	ProviderSQLite     Provider = "sqlite"
	ProviderDuckDB     Provider = "duckdb"
	ProviderClickHouse Provider = "clickhouse"
	ProviderCSV        Provider = "csv"
	ProviderParquet    Provider = "parquet"
	ProviderJSON       Provider = "json"
	ProviderS3         Provider = "s3"
)

// IsObjectStore reports whether the provider's data lives in an
// S3-compatible bucket rather than a reachable database or local file.
func (p Provider) IsObjectStore() bool {
	return p == ProviderS3
}

// IsFileBacked reports whether the provider is a flat-file dataset exposed
// through engine views rather than an attached foreign database.
func (p Provider) IsFileBacked() bool {
	switch p {
	case ProviderCSV, ProviderParquet, ProviderJSON, ProviderS3:
		return true
	}
	return false
}

// Datasource is a fully resolved datasource descriptor. It is owned by the
// repository layer and loaded read-only per orchestration call; nothing in
// the catalog layer mutates it.
type Datasource struct {
	ID          string            `json:"id"`
	Provider    Provider          `json:"provider"`
	DisplayName string            `json:"display_name"`
	Config      map[string]string `json:"config"`
}

func (d Datasource) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("datasource id is required")
	}
	if d.Provider == "" {
		return fmt.Errorf("datasource %s: provider is required", d.ID)
	}
	return nil
}

// Loader resolves datasource ids into descriptors.
type Loader interface {
	LoadDatasources(ctx context.Context, ids []string) ([]Datasource, error)
}

// Conversation holds the per-conversation datasource configuration.
type Conversation struct {
	Slug          string
	DatasourceIDs []string
}

// Conversations resolves a conversation slug into its configured datasource
// id list.
type Conversations interface {
	GetConversationBySlug(ctx context.Context, slug string) (Conversation, error)
}

// Prober checks that a datasource's backing storage is reachable before the
// engine attaches it, so an unreachable source surfaces as a per-datasource
// warning instead of an engine error mid-attach.
type Prober interface {
	Probe(ctx context.Context, ds Datasource) error
}
