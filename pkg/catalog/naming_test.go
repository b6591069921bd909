package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallaxdata/skiff/pkg/datasource"
)

func TestFormatFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provider datasource.Provider
		want     NamingFormat
	}{
		{datasource.ProviderPostgres, ThreePart},
		{datasource.ProviderMySQL, ThreePart},
		{datasource.ProviderDuckDB, ThreePart},
		{datasource.ProviderClickHouse, ThreePart},
		{datasource.ProviderSQLite, TwoPart},
		{datasource.ProviderCSV, TwoPart},
		{datasource.ProviderParquet, TwoPart},
		{datasource.ProviderJSON, TwoPart},
		{datasource.ProviderS3, TwoPart},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, FormatFor(tt.provider))
		})
	}
}

func TestFormatTablePath(t *testing.T) {
	t.Parallel()

	t.Run("three-part for foreign databases", func(t *testing.T) {
		t.Parallel()
		got := FormatTablePath(datasource.ProviderPostgres, "sales_db", "public", "orders")
		require.Equal(t, "sales_db.public.orders", got)
	})

	t.Run("two-part for file-backed datasets", func(t *testing.T) {
		t.Parallel()
		got := FormatTablePath(datasource.ProviderCSV, "uploads", "uploads", "customers")
		require.Equal(t, "uploads.customers", got)
	})

	t.Run("two-part for sqlite despite being a database", func(t *testing.T) {
		t.Parallel()
		got := FormatTablePath(datasource.ProviderSQLite, "local_db", "main", "events")
		require.Equal(t, "local_db.events", got)
	})

	t.Run("clickhouse display path keeps native default schema", func(t *testing.T) {
		t.Parallel()
		got := FormatTablePath(datasource.ProviderClickHouse, "metrics", "main", "hits")
		require.Equal(t, "metrics.default.hits", got)
	})

	t.Run("clickhouse non-default schemas pass through", func(t *testing.T) {
		t.Parallel()
		got := FormatTablePath(datasource.ProviderClickHouse, "metrics", "system", "parts")
		require.Equal(t, "metrics.system.parts", got)
	})
}

func TestQueryTablePath(t *testing.T) {
	t.Parallel()

	t.Run("uses engine schema verbatim", func(t *testing.T) {
		t.Parallel()
		got := queryTablePath(datasource.ProviderClickHouse, "metrics", "main", "hits")
		require.Equal(t, "metrics.main.hits", got)
	})

	t.Run("two-part providers omit the schema segment", func(t *testing.T) {
		t.Parallel()
		got := queryTablePath(datasource.ProviderParquet, "warehouse", "warehouse", "facts")
		require.Equal(t, "warehouse.facts", got)
	})
}

func TestNamingFormatString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "two-part", TwoPart.String())
	require.Equal(t, "three-part", ThreePart.String())
	require.Equal(t, "unknown", NamingFormat(0).String())
}
