package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallaxdata/skiff/pkg/datasource"
)

func TestAttachStatements(t *testing.T) {
	t.Parallel()

	t.Run("postgres attaches read-only under the datasource id", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "sales_db",
			Provider: datasource.ProviderPostgres,
			Config: map[string]string{
				"host":     "db.internal",
				"port":     "5432",
				"database": "sales",
				"user":     "reader",
				"password": "hunter2",
			},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Len(t, stmts, 1)
		require.Equal(t,
			`ATTACH IF NOT EXISTS 'dbname=sales host=db.internal password=hunter2 port=5432 user=reader' AS "sales_db" (TYPE postgres, READ_ONLY)`,
			stmts[0])
	})

	t.Run("postgres without connection config fails", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{ID: "sales_db", Provider: datasource.ProviderPostgres}
		_, err := attachStatements(ds, "session")
		require.ErrorContains(t, err, "connection config is required")
	})

	t.Run("mysql attaches read-only", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "billing_db",
			Provider: datasource.ProviderMySQL,
			Config:   map[string]string{"host": "mysql.internal", "database": "billing", "user": "reader"},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Len(t, stmts, 1)
		require.Equal(t,
			`ATTACH IF NOT EXISTS 'database=billing host=mysql.internal user=reader' AS "billing_db" (TYPE mysql, READ_ONLY)`,
			stmts[0])
	})

	t.Run("sqlite attaches by path", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "local_db",
			Provider: datasource.ProviderSQLite,
			Config:   map[string]string{"path": "/data/app.db"},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Equal(t, []string{
			`ATTACH IF NOT EXISTS '/data/app.db' AS "local_db" (TYPE sqlite, READ_ONLY)`,
		}, stmts)
	})

	t.Run("clickhouse installs the community extension first", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "metrics",
			Provider: datasource.ProviderClickHouse,
			Config:   map[string]string{"url": "clickhouse://ch.internal:9000/default"},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Equal(t, []string{
			"INSTALL clickhouse FROM community",
			"LOAD clickhouse",
			`ATTACH IF NOT EXISTS 'clickhouse://ch.internal:9000/default' AS "metrics" (TYPE clickhouse, READ_ONLY)`,
		}, stmts)
	})

	t.Run("csv becomes a view in a schema named after the datasource", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "uploads",
			Provider: datasource.ProviderCSV,
			Config:   map[string]string{"path": "/data/customers.csv"},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Equal(t, []string{
			`CREATE SCHEMA IF NOT EXISTS "uploads"`,
			`CREATE OR REPLACE VIEW "uploads"."customers" AS SELECT * FROM read_csv_auto('/data/customers.csv')`,
		}, stmts)
	})

	t.Run("explicit table name overrides the file base name", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "uploads",
			Provider: datasource.ProviderJSON,
			Config:   map[string]string{"path": "/data/dump-2026-08.json", "table": "events"},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Contains(t, stmts[1], `VIEW "uploads"."events"`)
		require.Contains(t, stmts[1], "read_json_auto")
	})

	t.Run("s3 creates a scoped secret and parquet views", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "warehouse",
			Provider: datasource.ProviderS3,
			Config: map[string]string{
				"bucket":            "analytics",
				"prefix":            "facts/daily.parquet",
				"access_key_id":     "AKID",
				"secret_access_key": "sekret",
				"endpoint":          "https://minio.internal:9000",
				"region":            "us-east-1",
			},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Len(t, stmts, 3)
		require.Equal(t,
			`CREATE OR REPLACE SECRET "secret_warehouse" (TYPE s3, KEY_ID 'AKID', SECRET 'sekret', ENDPOINT 'minio.internal:9000', REGION 'us-east-1', URL_STYLE 'path', SCOPE 's3://analytics')`,
			stmts[0])
		require.Equal(t, `CREATE SCHEMA IF NOT EXISTS "warehouse"`, stmts[1])
		require.Contains(t, stmts[2], "read_parquet('s3://analytics/facts/daily.parquet')")
	})

	t.Run("s3 without credentials falls back to the credential chain", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{
			ID:       "warehouse",
			Provider: datasource.ProviderS3,
			Config:   map[string]string{"bucket": "analytics"},
		}
		stmts, err := attachStatements(ds, "session")
		require.NoError(t, err)
		require.Contains(t, stmts[0], "PROVIDER credential_chain")
	})

	t.Run("unsupported provider fails", func(t *testing.T) {
		t.Parallel()
		ds := datasource.Datasource{ID: "x", Provider: datasource.Provider("oracle")}
		_, err := attachStatements(ds, "session")
		require.ErrorContains(t, err, "unsupported provider")
	})
}

func TestExtensionsFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"postgres"}, extensionsFor(datasource.ProviderPostgres))
	require.Equal(t, []string{"mysql"}, extensionsFor(datasource.ProviderMySQL))
	require.Equal(t, []string{"sqlite"}, extensionsFor(datasource.ProviderSQLite))
	require.Equal(t, []string{"httpfs"}, extensionsFor(datasource.ProviderS3))
	require.Nil(t, extensionsFor(datasource.ProviderCSV))
	require.Nil(t, extensionsFor(datasource.ProviderDuckDB))
}

func TestQuoting(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"plain"`, quoteIdent("plain"))
	require.Equal(t, `"wei""rd"`, quoteIdent(`wei"rd`))
	require.Equal(t, "'plain'", quoteLiteral("plain"))
	require.Equal(t, "'it''s'", quoteLiteral("it's"))
}

func TestRedactStatement(t *testing.T) {
	t.Parallel()

	t.Run("redacts connection string passwords", func(t *testing.T) {
		t.Parallel()
		stmt := "ATTACH 'host=db password=hunter2 user=reader' AS x"
		got := redactStatement(stmt)
		require.NotContains(t, got, "hunter2")
		require.Contains(t, got, "password=REDACTED")
	})

	t.Run("redacts secret values", func(t *testing.T) {
		t.Parallel()
		stmt := "CREATE OR REPLACE SECRET s (TYPE s3, KEY_ID 'AKID', SECRET 'sekret', REGION 'us-east-1')"
		got := redactStatement(stmt)
		require.NotContains(t, got, "sekret")
	})

	t.Run("leaves clean statements alone", func(t *testing.T) {
		t.Parallel()
		stmt := "ATTACH '/data/app.db' AS local_db (TYPE sqlite)"
		require.Equal(t, stmt, redactStatement(stmt))
	})
}
