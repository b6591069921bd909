package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallaxdata/skiff/pkg/datasource"
	"github.com/parallaxdata/skiff/pkg/engine"
)

type fakeEngine struct {
	mu            sync.Mutex
	attachCalls   map[string]int
	attachErr     map[string]error
	metadataCalls map[string]int
	metadataErr   map[string]error
	tables        map[string][]engine.TableMetadata
	detached      []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		attachCalls:   make(map[string]int),
		attachErr:     make(map[string]error),
		metadataCalls: make(map[string]int),
		metadataErr:   make(map[string]error),
		tables:        make(map[string][]engine.TableMetadata),
	}
}

func (e *fakeEngine) Catalog() string { return "session" }
func (e *fakeEngine) Schema() string  { return "main" }
func (e *fakeEngine) Close() error    { return nil }

func (e *fakeEngine) Attach(_ context.Context, ds datasource.Datasource, _ engine.AttachOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachCalls[ds.ID]++
	return e.attachErr[ds.ID]
}

func (e *fakeEngine) Metadata(_ context.Context, sources []datasource.Datasource) ([]engine.TableMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engine.TableMetadata
	for _, ds := range sources {
		e.metadataCalls[ds.ID]++
		if err := e.metadataErr[ds.ID]; err != nil {
			return nil, err
		}
		out = append(out, e.tables[ds.ID]...)
	}
	return out, nil
}

func (e *fakeEngine) Query(context.Context, string) (engine.QueryResult, error) {
	return engine.QueryResult{}, nil
}

func (e *fakeEngine) Detach(_ context.Context, ds datasource.Datasource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detached = append(e.detached, ds.ID)
	return nil
}

func (e *fakeEngine) totalMetadataCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.metadataCalls {
		total += n
	}
	return total
}

type fakeLoader struct {
	sources map[string]datasource.Datasource
	err     error
}

func (l *fakeLoader) LoadDatasources(_ context.Context, ids []string) ([]datasource.Datasource, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []datasource.Datasource
	for _, id := range ids {
		if ds, ok := l.sources[id]; ok {
			out = append(out, ds)
		}
	}
	return out, nil
}

type fakeConversations struct {
	mu            sync.Mutex
	conversations map[string]datasource.Conversation
	lookups       int
}

func (c *fakeConversations) GetConversationBySlug(_ context.Context, slug string) (datasource.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	conv, ok := c.conversations[slug]
	if !ok {
		return datasource.Conversation{}, fmt.Errorf("conversation %s: %w", slug, datasource.ErrConversationNotFound)
	}
	return conv, nil
}

type fakeProber struct {
	err map[string]error
}

func (p *fakeProber) Probe(_ context.Context, ds datasource.Datasource) error {
	return p.err[ds.ID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testTables(id string) []engine.TableMetadata {
	return []engine.TableMetadata{
		{
			DatasourceID: id,
			SchemaName:   "public",
			Name:         "orders",
			Columns:      []engine.ColumnMetadata{{Name: "id", Type: "BIGINT"}},
		},
	}
}

func newTestCoordinator(t *testing.T, eng engine.Engine, loader *fakeLoader, convs *fakeConversations, prober datasource.Prober) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Logger:        testLogger(),
		Engine:        eng,
		Loader:        loader,
		Conversations: convs,
		Prober:        prober,
		Workspace:     t.TempDir(),
	})
	require.NoError(t, err)
	return c
}

func TestCoordinator_ConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("requires a workspace", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Logger:        testLogger(),
			Engine:        newFakeEngine(),
			Loader:        &fakeLoader{},
			Conversations: &fakeConversations{},
		})
		require.ErrorIs(t, err, ErrWorkspaceUnresolved)
	})

	t.Run("requires an engine", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Logger:        testLogger(),
			Loader:        &fakeLoader{},
			Conversations: &fakeConversations{},
			Workspace:     t.TempDir(),
		})
		require.ErrorContains(t, err, "engine is required")
	})
}

func TestCoordinator_Orchestrate(t *testing.T) {
	t.Parallel()

	t.Run("attaches configured datasources and caches schemas", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["sales_db"] = testTables("sales_db")
		eng.tables["billing_db"] = testTables("billing_db")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db":   {ID: "sales_db", Provider: datasource.ProviderPostgres},
			"billing_db": {ID: "billing_db", Provider: datasource.ProviderMySQL},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db", "billing_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		result, err := c.Orchestrate(context.Background(), "conv-1", nil)
		require.NoError(t, err)
		require.Empty(t, result.Warnings)
		require.Equal(t, []string{"sales_db", "billing_db"}, result.DatasourceIDs())
		require.True(t, result.Cache.IsCached("sales_db"))
		require.True(t, result.Cache.IsCached("billing_db"))
		require.True(t, result.Cache.HasTablePath("sales_db.public.orders"))
		require.Equal(t, 1, eng.metadataCalls["sales_db"])
	})

	t.Run("explicit ids replace the configured list wholesale", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["uploads"] = []engine.TableMetadata{
			{DatasourceID: "uploads", SchemaName: "uploads", Name: "customers"},
		}
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db": {ID: "sales_db", Provider: datasource.ProviderPostgres},
			"uploads":  {ID: "uploads", Provider: datasource.ProviderCSV},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		result, err := c.Orchestrate(context.Background(), "conv-1", []string{"uploads"})
		require.NoError(t, err)
		require.Equal(t, []string{"uploads"}, result.DatasourceIDs())
		require.Zero(t, eng.attachCalls["sales_db"])
		require.Zero(t, convs.lookups)
	})

	t.Run("unknown conversation fails", func(t *testing.T) {
		t.Parallel()
		c := newTestCoordinator(t, newFakeEngine(), &fakeLoader{}, &fakeConversations{}, nil)

		_, err := c.Orchestrate(context.Background(), "missing", nil)
		require.ErrorIs(t, err, datasource.ErrConversationNotFound)
	})

	t.Run("attach failure skips the datasource with a warning", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["sales_db"] = testTables("sales_db")
		eng.attachErr["broken_db"] = fmt.Errorf("connection refused")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db":  {ID: "sales_db", Provider: datasource.ProviderPostgres},
			"broken_db": {ID: "broken_db", Provider: datasource.ProviderPostgres},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db", "broken_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		result, err := c.Orchestrate(context.Background(), "conv-1", nil)
		require.NoError(t, err)
		require.Equal(t, []string{"sales_db"}, result.DatasourceIDs())
		require.Len(t, result.Warnings, 1)
		require.Equal(t, "broken_db", result.Warnings[0].DatasourceID)
		require.Equal(t, StageAttach, result.Warnings[0].Stage)
		require.False(t, result.Cache.IsCached("broken_db"))
	})

	t.Run("metadata failure skips the datasource with a warning", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["sales_db"] = testTables("sales_db")
		eng.metadataErr["flaky_db"] = fmt.Errorf("timeout fetching columns")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db": {ID: "sales_db", Provider: datasource.ProviderPostgres},
			"flaky_db": {ID: "flaky_db", Provider: datasource.ProviderPostgres},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db", "flaky_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		result, err := c.Orchestrate(context.Background(), "conv-1", nil)
		require.NoError(t, err)
		require.Len(t, result.Warnings, 1)
		require.Equal(t, "flaky_db", result.Warnings[0].DatasourceID)
		require.Equal(t, StageMetadata, result.Warnings[0].Stage)
		require.True(t, result.Cache.IsCached("sales_db"))
		require.False(t, result.Cache.IsCached("flaky_db"))
	})

	t.Run("probe failure skips object-storage datasources before attach", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"bucket": {ID: "bucket", Provider: datasource.ProviderS3},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"bucket"}},
		}}
		prober := &fakeProber{err: map[string]error{"bucket": fmt.Errorf("bucket does not exist")}}
		c := newTestCoordinator(t, eng, loader, convs, prober)

		result, err := c.Orchestrate(context.Background(), "conv-1", nil)
		require.NoError(t, err)
		require.Empty(t, result.DatasourceIDs())
		require.Len(t, result.Warnings, 1)
		require.Equal(t, StageProbe, result.Warnings[0].Stage)
		require.Zero(t, eng.attachCalls["bucket"])
	})
}

func TestCoordinator_EnsureAttachedAndCached(t *testing.T) {
	t.Parallel()

	t.Run("cached datasources are not refetched", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["sales_db"] = testTables("sales_db")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db": {ID: "sales_db", Provider: datasource.ProviderPostgres},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		first, err := c.Orchestrate(context.Background(), "conv-1", nil)
		require.NoError(t, err)

		second, err := c.EnsureAttachedAndCached(context.Background(), "conv-1", nil, first)
		require.NoError(t, err)
		require.Equal(t, first.DatasourceIDs(), second.DatasourceIDs())

		// Attachment is re-asserted but metadata is fetched only once.
		require.Equal(t, 2, eng.attachCalls["sales_db"])
		require.Equal(t, 1, eng.metadataCalls["sales_db"])
		// The previous result carries the id set; no second conversation lookup.
		require.Equal(t, 1, convs.lookups)
	})

	t.Run("removed datasources are invalidated and detached", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["sales_db"] = testTables("sales_db")
		eng.tables["billing_db"] = testTables("billing_db")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db":   {ID: "sales_db", Provider: datasource.ProviderPostgres},
			"billing_db": {ID: "billing_db", Provider: datasource.ProviderMySQL},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db", "billing_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		first, err := c.Orchestrate(context.Background(), "conv-1", nil)
		require.NoError(t, err)
		require.True(t, first.Cache.IsCached("billing_db"))

		second, err := c.EnsureAttachedAndCached(context.Background(), "conv-1", []string{"sales_db"}, first)
		require.NoError(t, err)
		require.Equal(t, []string{"sales_db"}, second.DatasourceIDs())
		require.False(t, second.Cache.IsCached("billing_db"))
		require.False(t, second.Cache.HasTablePath("billing_db.public.orders"))
		require.Equal(t, []string{"billing_db"}, eng.detached)
	})

	t.Run("shared datasource is detached only when no conversation uses it", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["shared_db"] = testTables("shared_db")
		eng.tables["other_db"] = testTables("other_db")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"shared_db": {ID: "shared_db", Provider: datasource.ProviderPostgres},
			"other_db":  {ID: "other_db", Provider: datasource.ProviderPostgres},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-a": {Slug: "conv-a", DatasourceIDs: []string{"shared_db"}},
			"conv-b": {Slug: "conv-b", DatasourceIDs: []string{"shared_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		_, err := c.Orchestrate(context.Background(), "conv-a", nil)
		require.NoError(t, err)
		_, err = c.Orchestrate(context.Background(), "conv-b", nil)
		require.NoError(t, err)

		// conv-a drops the datasource; conv-b still depends on the shared
		// engine attachment.
		_, err = c.EnsureAttachedAndCached(context.Background(), "conv-a", []string{"other_db"}, nil)
		require.NoError(t, err)
		require.Empty(t, eng.detached)
		require.False(t, c.Cache().IsCached("conv-a", "shared_db"))
		require.True(t, c.Cache().IsCached("conv-b", "shared_db"))

		// Once the last conversation drops it, the engine detaches.
		_, err = c.EnsureAttachedAndCached(context.Background(), "conv-b", []string{"other_db"}, nil)
		require.NoError(t, err)
		require.Equal(t, []string{"shared_db"}, eng.detached)
	})

	t.Run("readded datasource is fetched again after invalidation", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["sales_db"] = testTables("sales_db")
		eng.tables["billing_db"] = testTables("billing_db")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db":   {ID: "sales_db", Provider: datasource.ProviderPostgres},
			"billing_db": {ID: "billing_db", Provider: datasource.ProviderMySQL},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db", "billing_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		_, err := c.Orchestrate(context.Background(), "conv-1", nil)
		require.NoError(t, err)
		_, err = c.EnsureAttachedAndCached(context.Background(), "conv-1", []string{"sales_db"}, nil)
		require.NoError(t, err)
		_, err = c.EnsureAttachedAndCached(context.Background(), "conv-1", []string{"sales_db", "billing_db"}, nil)
		require.NoError(t, err)

		require.Equal(t, 2, eng.metadataCalls["billing_db"])
	})

	t.Run("concurrent calls fetch metadata exactly once", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.tables["sales_db"] = testTables("sales_db")
		loader := &fakeLoader{sources: map[string]datasource.Datasource{
			"sales_db": {ID: "sales_db", Provider: datasource.ProviderPostgres},
		}}
		convs := &fakeConversations{conversations: map[string]datasource.Conversation{
			"conv-1": {Slug: "conv-1", DatasourceIDs: []string{"sales_db"}},
		}}
		c := newTestCoordinator(t, eng, loader, convs, nil)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.EnsureAttachedAndCached(context.Background(), "conv-1", nil, nil)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, 1, eng.totalMetadataCalls())
	})
}
