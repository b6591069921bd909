package catalog

import (
	"sort"
	"sync"

	"github.com/parallaxdata/skiff/pkg/datasource"
	"github.com/parallaxdata/skiff/pkg/engine"
	"github.com/parallaxdata/skiff/pkg/schema"
)

// ColumnEntry is one discovered column.
type ColumnEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableEntry maps one discovered table's display path (what the agent sees
// and writes in SQL) to its query path (what the engine accepts).
type TableEntry struct {
	DisplayPath string        `json:"display_path"`
	QueryPath   string        `json:"query_path"`
	Columns     []ColumnEntry `json:"columns"`
}

// Entry is the cached schema for one datasource within one conversation. It
// exists iff the datasource's metadata has been fetched since it was last
// (re)attached.
type Entry struct {
	DatasourceID        string
	DisplayName         string
	Provider            datasource.Provider
	BackingDatabaseName string
	Format              NamingFormat
	Tables              []TableEntry
}

// Cache is the process-wide schema cache, keyed by conversation id. It is
// in-memory and process-local; entries are lost on restart by design.
type Cache struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*Entry
}

func NewCache() *Cache {
	return &Cache{
		conversations: make(map[string]map[string]*Entry),
	}
}

// Conversation returns a view of the cache scoped to one conversation.
func (c *Cache) Conversation(conversationID string) *View {
	return &View{cache: c, conversationID: conversationID}
}

func (c *Cache) IsCached(conversationID, datasourceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.conversations[conversationID][datasourceID]
	return ok
}

// LoadSchemaForDatasource derives display and query paths for every
// discovered table and stores the catalog entry, overwriting any previous
// entry for the datasource. It is idempotent for identical metadata.
func (c *Cache) LoadSchemaForDatasource(conversationID string, ds datasource.Datasource, backingDatabaseName string, tables []engine.TableMetadata) {
	entry := &Entry{
		DatasourceID:        ds.ID,
		DisplayName:         ds.DisplayName,
		Provider:            ds.Provider,
		BackingDatabaseName: backingDatabaseName,
		Format:              FormatFor(ds.Provider),
	}
	for _, t := range tables {
		if t.DatasourceID != ds.ID {
			continue
		}
		te := TableEntry{
			DisplayPath: FormatTablePath(ds.Provider, ds.ID, t.SchemaName, t.Name),
			QueryPath:   queryTablePath(ds.Provider, ds.ID, t.SchemaName, t.Name),
			Columns:     make([]ColumnEntry, 0, len(t.Columns)),
		}
		for _, col := range t.Columns {
			te.Columns = append(te.Columns, ColumnEntry{Name: col.Name, Type: col.Type})
		}
		entry.Tables = append(entry.Tables, te)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[conversationID]
	if !ok {
		conv = make(map[string]*Entry)
		c.conversations[conversationID] = conv
	}
	conv[ds.ID] = entry
}

// QueryPathForDisplayPath is an exact lookup in the mapping built at load
// time.
func (c *Cache) QueryPathForDisplayPath(conversationID, displayPath string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, entry := range c.conversations[conversationID] {
		for _, t := range entry.Tables {
			if t.DisplayPath == displayPath {
				return t.QueryPath, true
			}
		}
	}
	return "", false
}

// HasTablePath reports whether the path matches any stored display or query
// path across all cached datasources for the conversation.
func (c *Cache) HasTablePath(conversationID, path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, entry := range c.conversations[conversationID] {
		for _, t := range entry.Tables {
			if t.DisplayPath == path || t.QueryPath == path {
				return true
			}
		}
	}
	return false
}

// AllTablePaths returns the flattened display-path list across all cached
// datasources, sorted for stable error messages.
func (c *Cache) AllTablePaths(conversationID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var paths []string
	for _, entry := range c.conversations[conversationID] {
		for _, t := range entry.Tables {
			paths = append(paths, t.DisplayPath)
			if t.QueryPath != t.DisplayPath {
				paths = append(paths, t.QueryPath)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

// Entry returns the cached entry for a datasource, if present.
func (c *Cache) Entry(conversationID, datasourceID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.conversations[conversationID][datasourceID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// AnyConversationCached reports whether any conversation still holds a live
// entry for the datasource.
func (c *Cache) AnyConversationCached(datasourceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conv := range c.conversations {
		if _, ok := conv[datasourceID]; ok {
			return true
		}
	}
	return false
}

// CachedDatasourceIDs returns the datasource ids with a live entry for the
// conversation.
func (c *Cache) CachedDatasourceIDs(conversationID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.conversations[conversationID]))
	for id := range c.conversations[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AttachedDatabaseNames returns the engine-level database names backing the
// conversation's cached datasources.
func (c *Cache) AttachedDatabaseNames(conversationID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.conversations[conversationID]))
	for _, entry := range c.conversations[conversationID] {
		names = append(names, entry.BackingDatabaseName)
	}
	sort.Strings(names)
	return names
}

// Invalidate removes the datasource's entry. Called whenever the coordinator
// observes the datasource is no longer part of the conversation's active
// set; stale entries are never refreshed, only removed.
func (c *Cache) Invalidate(conversationID, datasourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conversations[conversationID], datasourceID)
}

// InvalidateConversation removes every entry for the conversation.
func (c *Cache) InvalidateConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conversations, conversationID)
}

// ToSimpleSchemas projects cached entries into the shape consumed by the
// agent's describe-schema tool, keyed by datasource id. Unknown or uncached
// ids are skipped.
func (c *Cache) ToSimpleSchemas(conversationID string, datasourceIDs []string) map[string]*schema.Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*schema.Schema)
	for _, id := range datasourceIDs {
		entry, ok := c.conversations[conversationID][id]
		if !ok {
			continue
		}
		s := &schema.Schema{
			Name:        entry.DatasourceID,
			Description: entry.DisplayName,
		}
		for _, t := range entry.Tables {
			ti := schema.TableInfo{Name: t.DisplayPath}
			for _, col := range t.Columns {
				ti.Columns = append(ti.Columns, schema.ColumnInfo{Name: col.Name, Type: col.Type})
			}
			s.Tables = append(s.Tables, ti)
		}
		out[id] = s
	}
	return out
}

// View is a conversation-scoped read surface over the cache. It implements
// the path index the SQL gatekeeping layer validates and rewrites against.
type View struct {
	cache          *Cache
	conversationID string
}

func (v *View) ConversationID() string {
	return v.conversationID
}

func (v *View) IsCached(datasourceID string) bool {
	return v.cache.IsCached(v.conversationID, datasourceID)
}

func (v *View) HasTablePath(path string) bool {
	return v.cache.HasTablePath(v.conversationID, path)
}

func (v *View) AllTablePaths() []string {
	return v.cache.AllTablePaths(v.conversationID)
}

func (v *View) QueryPathForDisplayPath(displayPath string) (string, bool) {
	return v.cache.QueryPathForDisplayPath(v.conversationID, displayPath)
}

func (v *View) AttachedDatabaseNames() []string {
	return v.cache.AttachedDatabaseNames(v.conversationID)
}

func (v *View) ToSimpleSchemas(datasourceIDs []string) map[string]*schema.Schema {
	return v.cache.ToSimpleSchemas(v.conversationID, datasourceIDs)
}
