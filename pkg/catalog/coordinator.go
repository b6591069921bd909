package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/parallaxdata/skiff/pkg/datasource"
	"github.com/parallaxdata/skiff/pkg/engine"
)

const defaultMetadataPoolSize = 4

// Config holds the configuration for the attachment coordinator. The
// workspace location is resolved once by the caller and passed in here;
// there is no hidden global initialization.
type Config struct {
	Logger        *slog.Logger
	Engine        engine.Engine
	Loader        datasource.Loader
	Conversations datasource.Conversations
	Cache         *Cache

	// Prober, when set, verifies object-storage datasources before attach.
	Prober datasource.Prober

	Workspace        string
	MetadataPoolSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if cfg.Loader == nil {
		return fmt.Errorf("datasource loader is required")
	}
	if cfg.Conversations == nil {
		return fmt.Errorf("conversation repository is required")
	}
	if cfg.Workspace == "" {
		return ErrWorkspaceUnresolved
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.MetadataPoolSize == 0 {
		cfg.MetadataPoolSize = defaultMetadataPoolSize
	}
	return nil
}

// OrchestrationResult is the typed outcome of an attach/metadata sequence:
// the datasources the session can use, the conversation's cache view, and
// the per-datasource warnings for everything that was skipped.
type OrchestrationResult struct {
	ConversationID string
	Datasources    []datasource.Datasource
	Cache          *View
	Workspace      string
	Warnings       []Warning
}

// DatasourceIDs returns the ids of the usable datasources.
func (r *OrchestrationResult) DatasourceIDs() []string {
	ids := make([]string, 0, len(r.Datasources))
	for _, ds := range r.Datasources {
		ids = append(ids, ds.ID)
	}
	return ids
}

type metadataResult struct {
	ds     datasource.Datasource
	tables []engine.TableMetadata
	err    error
}

// Coordinator makes the engine's attached-datasource set match a
// conversation's intended set, and the schema cache match the attached set,
// while minimizing redundant engine calls. Only one attach/metadata sequence
// runs per conversation at a time; concurrent callers wait and then observe
// the populated cache.
type Coordinator struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[metadataResult]

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		log:       cfg.Logger,
		cfg:       cfg,
		pool:      pond.NewResultPool[metadataResult](cfg.MetadataPoolSize),
		convLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Cache returns the coordinator's schema cache.
func (c *Coordinator) Cache() *Cache {
	return c.cfg.Cache
}

// Orchestrate resolves the conversation's configured datasources, attaches
// them, fetches metadata for any that are not already cached, and populates
// the schema cache. When explicitIDs is non-empty it replaces the
// conversation's configured list wholesale; the two are never merged.
func (c *Coordinator) Orchestrate(ctx context.Context, conversationID string, explicitIDs []string) (*OrchestrationResult, error) {
	return c.sync(ctx, conversationID, explicitIDs, nil)
}

// EnsureAttachedAndCached is the cheap incremental path for subsequent tool
// calls. It diffs the cached datasource set against the currently intended
// one: ids that disappeared are invalidated, ids newly present are attached
// and fetched, and an unchanged set costs nothing beyond re-asserting
// attachment.
func (c *Coordinator) EnsureAttachedAndCached(ctx context.Context, conversationID string, explicitIDs []string, prev *OrchestrationResult) (*OrchestrationResult, error) {
	return c.sync(ctx, conversationID, explicitIDs, prev)
}

func (c *Coordinator) sync(ctx context.Context, conversationID string, explicitIDs []string, prev *OrchestrationResult) (*OrchestrationResult, error) {
	lock := c.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	intendedIDs, err := c.resolveIntendedIDs(ctx, conversationID, explicitIDs, prev)
	if err != nil {
		return nil, err
	}

	sources, err := c.cfg.Loader.LoadDatasources(ctx, intendedIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load datasources for conversation %s: %w", conversationID, err)
	}

	c.invalidateRemoved(ctx, conversationID, sources)

	result := &OrchestrationResult{
		ConversationID: conversationID,
		Cache:          c.cfg.Cache.Conversation(conversationID),
		Workspace:      c.cfg.Workspace,
	}

	opts := engine.AttachOptions{ConversationID: conversationID, Workspace: c.cfg.Workspace}
	var uncached []datasource.Datasource
	for _, ds := range sources {
		if c.cfg.Prober != nil && ds.Provider.IsObjectStore() {
			if err := c.cfg.Prober.Probe(ctx, ds); err != nil {
				c.log.Warn("datasource probe failed, skipping", "datasource", ds.ID, "error", err)
				result.Warnings = append(result.Warnings, Warning{DatasourceID: ds.ID, Stage: StageProbe, Err: err})
				continue
			}
		}

		// Attach is idempotent at the engine level; re-asserting attachment
		// for an already-cached datasource is cheap.
		if err := c.cfg.Engine.Attach(ctx, ds, opts); err != nil {
			c.log.Warn("datasource attach failed, skipping", "datasource", ds.ID, "error", err)
			result.Warnings = append(result.Warnings, Warning{DatasourceID: ds.ID, Stage: StageAttach, Err: err})
			continue
		}

		result.Datasources = append(result.Datasources, ds)
		if !c.cfg.Cache.IsCached(conversationID, ds.ID) {
			uncached = append(uncached, ds)
		}
	}

	if len(uncached) > 0 {
		result.Warnings = append(result.Warnings, c.fetchMetadata(ctx, conversationID, uncached)...)
	}

	return result, nil
}

func (c *Coordinator) resolveIntendedIDs(ctx context.Context, conversationID string, explicitIDs []string, prev *OrchestrationResult) ([]string, error) {
	// Explicit per-message ids take priority and replace the configured
	// list wholesale.
	if len(explicitIDs) > 0 {
		return explicitIDs, nil
	}
	if prev != nil {
		return prev.DatasourceIDs(), nil
	}
	conv, err := c.cfg.Conversations.GetConversationBySlug(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation %s: %w", conversationID, err)
	}
	return conv.DatasourceIDs, nil
}

// invalidateRemoved drops cache entries for datasources that left the
// intended set. The only exit from stale is removal, never a refresh.
func (c *Coordinator) invalidateRemoved(ctx context.Context, conversationID string, intended []datasource.Datasource) {
	intendedSet := make(map[string]bool, len(intended))
	for _, ds := range intended {
		intendedSet[ds.ID] = true
	}

	for _, id := range c.cfg.Cache.CachedDatasourceIDs(conversationID) {
		if intendedSet[id] {
			continue
		}
		entry, ok := c.cfg.Cache.Entry(conversationID, id)
		c.cfg.Cache.Invalidate(conversationID, id)
		c.log.Debug("invalidated datasource", "conversation", conversationID, "datasource", id)

		if !ok {
			continue
		}
		// Attachment is engine-global while cache entries are per
		// conversation; another conversation may still be using the
		// datasource. Detach only once no conversation holds an entry.
		if c.cfg.Cache.AnyConversationCached(id) {
			continue
		}
		if tm, capable := c.cfg.Engine.(engine.TableManager); capable {
			ds := datasource.Datasource{ID: entry.DatasourceID, Provider: entry.Provider}
			if err := tm.Detach(ctx, ds); err != nil {
				c.log.Warn("failed to detach removed datasource", "datasource", id, "error", err)
			}
		}
	}
}

// fetchMetadata discovers tables for the uncached datasources on a bounded
// pool and loads the results into the schema cache. Per-datasource failures
// become warnings; the rest of the batch still lands.
func (c *Coordinator) fetchMetadata(ctx context.Context, conversationID string, sources []datasource.Datasource) []Warning {
	group := c.pool.NewGroupContext(ctx)
	for _, ds := range sources {
		ds := ds
		group.SubmitErr(func() (metadataResult, error) {
			tables, err := c.cfg.Engine.Metadata(ctx, []datasource.Datasource{ds})
			return metadataResult{ds: ds, tables: tables, err: err}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		// Tasks never return errors directly; a group failure means the
		// context was cancelled.
		return []Warning{{DatasourceID: "", Stage: StageMetadata, Err: err}}
	}

	var warnings []Warning
	for _, r := range results {
		if r.err != nil {
			c.log.Warn("metadata fetch failed, skipping", "datasource", r.ds.ID, "error", r.err)
			warnings = append(warnings, Warning{DatasourceID: r.ds.ID, Stage: StageMetadata, Err: r.err})
			continue
		}
		// The engine aliases every datasource by its id, so the backing
		// database name and the datasource id coincide.
		c.cfg.Cache.LoadSchemaForDatasource(conversationID, r.ds, r.ds.ID, r.tables)
		c.log.Debug("cached datasource schema", "conversation", conversationID, "datasource", r.ds.ID, "tables", len(r.tables))
	}
	return warnings
}

func (c *Coordinator) conversationLock(conversationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		c.convLocks[conversationID] = lock
	}
	return lock
}
