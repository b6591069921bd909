package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/parallaxdata/skiff/pkg/datasource"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckConfig holds the configuration for the embedded DuckDB engine.
type DuckConfig struct {
	Logger *slog.Logger
	// Workspace is the directory the engine uses for its session database
	// and any local scratch state. Resolved once at process start.
	Workspace string
}

func (cfg *DuckConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	return nil
}

// Duck is the embedded DuckDB engine. Foreign databases are attached through
// DuckDB scanner extensions; flat-file and object-storage datasets are
// exposed as views in a schema named after the datasource.
type Duck struct {
	log *slog.Logger
	cfg DuckConfig
	db  *sql.DB

	mu         sync.Mutex
	catalog    string
	schema     string
	attached   map[string]bool
	extensions map[string]bool
}

func NewDuck(ctx context.Context, cfg DuckConfig) (*Duck, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	dbPath := filepath.Join(cfg.Workspace, "session.duckdb")
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, "USE "+catalog); err != nil {
		return nil, fmt.Errorf("failed to use database: %w", err)
	}

	return &Duck{
		log:        cfg.Logger,
		cfg:        cfg,
		db:         db,
		catalog:    catalog,
		schema:     schema,
		attached:   make(map[string]bool),
		extensions: make(map[string]bool),
	}, nil
}

func (d *Duck) Catalog() string {
	return d.catalog
}

func (d *Duck) Schema() string {
	return d.schema
}

func (d *Duck) Close() error {
	return d.db.Close()
}

func (d *Duck) Attach(ctx context.Context, ds datasource.Datasource, opts AttachOptions) error {
	if err := ds.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attached[ds.ID] {
		return nil
	}

	for _, ext := range extensionsFor(ds.Provider) {
		if err := d.ensureExtension(ctx, ext); err != nil {
			return err
		}
	}

	stmts, err := attachStatements(ds, d.catalog)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to attach datasource %s: %s: %w", ds.ID, redactStatement(stmt), err)
		}
	}

	d.attached[ds.ID] = true
	d.log.Debug("attached datasource", "datasource", ds.ID, "provider", ds.Provider, "conversation", opts.ConversationID)
	return nil
}

// Detach implements the TableManager capability.
func (d *Duck) Detach(ctx context.Context, ds datasource.Datasource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var stmt string
	if ds.Provider.IsFileBacked() {
		stmt = fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quoteIdent(ds.ID))
	} else {
		stmt = fmt.Sprintf("DETACH DATABASE IF EXISTS %s", quoteIdent(ds.ID))
	}
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to detach datasource %s: %w", ds.ID, err)
	}
	delete(d.attached, ds.ID)
	return nil
}

func (d *Duck) Metadata(ctx context.Context, sources []datasource.Datasource) ([]TableMetadata, error) {
	var out []TableMetadata
	for _, ds := range sources {
		tables, err := d.metadataForDatasource(ctx, ds)
		if err != nil {
			return nil, err
		}
		out = append(out, tables...)
	}
	return out, nil
}

func (d *Duck) metadataForDatasource(ctx context.Context, ds datasource.Datasource) ([]TableMetadata, error) {
	query := `
		SELECT schema_name, table_name, column_name, data_type
		FROM duckdb_columns()
		WHERE database_name = ?
		ORDER BY schema_name, table_name, column_index`
	args := []any{ds.ID}
	if ds.Provider.IsFileBacked() {
		// File-backed datasets live as views in the session catalog under a
		// schema named after the datasource.
		query = `
			SELECT schema_name, table_name, column_name, data_type
			FROM duckdb_columns()
			WHERE database_name = ? AND schema_name = ?
			ORDER BY schema_name, table_name, column_index`
		args = []any{d.catalog, ds.ID}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for datasource %s: %w", ds.ID, err)
	}
	defer rows.Close()

	byTable := make(map[string]*TableMetadata)
	var order []string
	for rows.Next() {
		var schemaName, tableName, columnName, dataType string
		if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		key := schemaName + "." + tableName
		tm, ok := byTable[key]
		if !ok {
			tm = &TableMetadata{
				DatasourceID: ds.ID,
				SchemaName:   schemaName,
				Name:         tableName,
			}
			byTable[key] = tm
			order = append(order, key)
		}
		tm.Columns = append(tm.Columns, ColumnMetadata{Name: columnName, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metadata rows: %w", err)
	}

	out := make([]TableMetadata, 0, len(order))
	for _, key := range order {
		out = append(out, *byTable[key])
	}
	return out, nil
}

func (d *Duck) Query(ctx context.Context, query string) (QueryResult, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get columns: %w", err)
	}

	var resultRows []Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row)
		for i, col := range columns {
			val := values[i]
			if val == nil {
				row[col] = nil
				continue
			}
			switch v := val.(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = val
			}
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return QueryResult{
		Columns: columns,
		Rows:    resultRows,
		Count:   len(resultRows),
	}, nil
}

func (d *Duck) ensureExtension(ctx context.Context, ext string) error {
	if d.extensions[ext] {
		return nil
	}
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf("INSTALL '%s'", ext)); err != nil {
		return fmt.Errorf("failed to install extension %s: %w", ext, err)
	}
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf("LOAD '%s'", ext)); err != nil {
		return fmt.Errorf("failed to load extension %s: %w", ext, err)
	}
	d.extensions[ext] = true
	return nil
}

func extensionsFor(p datasource.Provider) []string {
	switch p {
	case datasource.ProviderPostgres:
		return []string{"postgres"}
	case datasource.ProviderMySQL:
		return []string{"mysql"}
	case datasource.ProviderSQLite:
		return []string{"sqlite"}
	case datasource.ProviderS3:
		return []string{"httpfs"}
	}
	return nil
}

// attachStatements builds the SQL statements that register a datasource with
// the engine. Foreign databases are attached read-only under an alias equal
// to the datasource id; flat files become views in a schema of that name.
func attachStatements(ds datasource.Datasource, sessionCatalog string) ([]string, error) {
	alias := quoteIdent(ds.ID)

	switch ds.Provider {
	case datasource.ProviderPostgres:
		conn := libpqConnStr(ds.Config)
		if conn == "" {
			return nil, fmt.Errorf("datasource %s: postgres connection config is required", ds.ID)
		}
		return []string{
			fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s (TYPE postgres, READ_ONLY)", quoteLiteral(conn), alias),
		}, nil

	case datasource.ProviderMySQL:
		conn := mysqlConnStr(ds.Config)
		if conn == "" {
			return nil, fmt.Errorf("datasource %s: mysql connection config is required", ds.ID)
		}
		return []string{
			fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s (TYPE mysql, READ_ONLY)", quoteLiteral(conn), alias),
		}, nil

	case datasource.ProviderSQLite:
		path := ds.Config["path"]
		if path == "" {
			return nil, fmt.Errorf("datasource %s: path is required for sqlite", ds.ID)
		}
		return []string{
			fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s (TYPE sqlite, READ_ONLY)", quoteLiteral(path), alias),
		}, nil

	case datasource.ProviderDuckDB:
		path := ds.Config["path"]
		if path == "" {
			return nil, fmt.Errorf("datasource %s: path is required for duckdb", ds.ID)
		}
		return []string{
			fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s (READ_ONLY)", quoteLiteral(path), alias),
		}, nil

	case datasource.ProviderClickHouse:
		conn := ds.Config["url"]
		if conn == "" {
			return nil, fmt.Errorf("datasource %s: url is required for clickhouse", ds.ID)
		}
		return []string{
			"INSTALL clickhouse FROM community",
			"LOAD clickhouse",
			fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s (TYPE clickhouse, READ_ONLY)", quoteLiteral(conn), alias),
		}, nil

	case datasource.ProviderCSV, datasource.ProviderParquet, datasource.ProviderJSON:
		path := ds.Config["path"]
		if path == "" {
			return nil, fmt.Errorf("datasource %s: path is required for %s", ds.ID, ds.Provider)
		}
		return fileViewStatements(ds, alias, path, string(ds.Provider)), nil

	case datasource.ProviderS3:
		bucket := ds.Config["bucket"]
		prefix := ds.Config["prefix"]
		format := ds.Config["format"]
		if bucket == "" {
			return nil, fmt.Errorf("datasource %s: bucket is required for s3", ds.ID)
		}
		if format == "" {
			format = "parquet"
		}
		uri := "s3://" + bucket
		if prefix != "" {
			uri += "/" + strings.TrimPrefix(prefix, "/")
		}
		stmts := []string{s3SecretStatement(ds)}
		stmts = append(stmts, fileViewStatements(ds, alias, uri, format)...)
		return stmts, nil
	}

	return nil, fmt.Errorf("datasource %s: unsupported provider %q", ds.ID, ds.Provider)
}

// fileViewStatements exposes a flat-file dataset as one view per table in a
// schema named after the datasource. The table name comes from the config or
// from the file's base name.
func fileViewStatements(ds datasource.Datasource, alias, path, format string) []string {
	table := ds.Config["table"]
	if table == "" {
		base := filepath.Base(path)
		table = strings.TrimSuffix(base, filepath.Ext(base))
	}

	var reader string
	switch format {
	case "csv":
		reader = "read_csv_auto"
	case "json":
		reader = "read_json_auto"
	default:
		reader = "read_parquet"
	}

	return []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", alias),
		fmt.Sprintf("CREATE OR REPLACE VIEW %s.%s AS SELECT * FROM %s(%s)",
			alias, quoteIdent(table), reader, quoteLiteral(path)),
	}
}

// s3SecretStatement builds a per-datasource scoped S3 secret so multiple
// object-storage datasources with different credentials can coexist in one
// session.
func s3SecretStatement(ds datasource.Datasource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE SECRET %s (TYPE s3", quoteIdent("secret_"+ds.ID))
	if id, secret := ds.Config["access_key_id"], ds.Config["secret_access_key"]; id != "" && secret != "" {
		fmt.Fprintf(&b, ", KEY_ID %s", quoteLiteral(id))
		fmt.Fprintf(&b, ", SECRET %s", quoteLiteral(secret))
	} else {
		b.WriteString(", PROVIDER credential_chain")
	}
	if endpoint := ds.Config["endpoint"]; endpoint != "" {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		endpoint = strings.TrimPrefix(endpoint, "https://")
		fmt.Fprintf(&b, ", ENDPOINT %s", quoteLiteral(endpoint))
	}
	if region := ds.Config["region"]; region != "" {
		fmt.Fprintf(&b, ", REGION %s", quoteLiteral(region))
	}
	urlStyle := ds.Config["url_style"]
	if urlStyle == "" {
		urlStyle = "path"
	}
	fmt.Fprintf(&b, ", URL_STYLE %s", quoteLiteral(urlStyle))
	fmt.Fprintf(&b, ", SCOPE %s", quoteLiteral("s3://"+ds.Config["bucket"]))
	b.WriteString(")")
	return b.String()
}

func libpqConnStr(config map[string]string) string {
	keys := map[string]string{
		"host":     "host",
		"port":     "port",
		"database": "dbname",
		"user":     "user",
		"password": "password",
		"sslmode":  "sslmode",
	}
	return connStr(config, keys)
}

func mysqlConnStr(config map[string]string) string {
	keys := map[string]string{
		"host":     "host",
		"port":     "port",
		"database": "database",
		"user":     "user",
		"password": "password",
	}
	return connStr(config, keys)
}

func connStr(config, keys map[string]string) string {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var parts []string
	for _, k := range names {
		if v, ok := config[k]; ok && v != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", keys[k], v))
		}
	}
	return strings.Join(parts, " ")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// redactStatement redacts password and secret values before a statement is
// included in an error or log line.
func redactStatement(stmt string) string {
	lower := strings.ToLower(stmt)
	for _, key := range []string{"password=", "secret '"} {
		idx := strings.Index(lower, key)
		if idx == -1 {
			continue
		}
		start := idx + len(key)
		end := start
		for end < len(stmt) && stmt[end] != ' ' && stmt[end] != '\'' {
			end++
		}
		stmt = stmt[:start] + "REDACTED" + stmt[end:]
		lower = strings.ToLower(stmt)
	}
	return stmt
}
