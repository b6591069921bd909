package results

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/parallaxdata/skiff/pkg/engine"
)

const (
	defaultTTL                = 30 * time.Minute
	defaultMaxPerConversation = 64
)

// Record is one stored query result. Records are write-once: later tool
// calls (chart building) retrieve them by id instead of re-injecting large
// payloads into the agent's context.
type Record struct {
	QueryID        string       `json:"query_id"`
	ConversationID string       `json:"conversation_id"`
	SQL            string       `json:"sql"`
	Columns        []string     `json:"columns"`
	Rows           []engine.Row `json:"rows"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Config holds the configuration for the result cache.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// TTL bounds a record's age; MaxPerConversation bounds how many records
	// a conversation keeps, oldest evicted first.
	TTL                time.Duration
	MaxPerConversation int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxPerConversation == 0 {
		cfg.MaxPerConversation = defaultMaxPerConversation
	}
	return nil
}

// Cache stores full query result sets under opaque handles, bounded per
// conversation by count and age. In-memory and process-local; lost on
// restart by design.
type Cache struct {
	log   *slog.Logger
	cfg   Config
	cache *ttlcache.Cache[string, *Record]

	mu             sync.Mutex
	byConversation map[string][]string
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		log:            cfg.Logger,
		cfg:            cfg,
		byConversation: make(map[string][]string),
	}
	c.cache = ttlcache.New(
		ttlcache.WithTTL[string, *Record](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, *Record](),
	)
	// Keep the per-conversation index in sync when records age out. Explicit
	// deletes manage the index themselves and already hold the lock.
	c.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Record]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		record := item.Value()
		c.mu.Lock()
		defer c.mu.Unlock()
		ids := c.byConversation[record.ConversationID]
		for i, id := range ids {
			if id == record.QueryID {
				c.byConversation[record.ConversationID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	})
	go c.cache.Start()
	return c, nil
}

// Store saves a query result and returns its opaque identifier.
func (c *Cache) Store(conversationID, sql string, columns []string, rows []engine.Row) string {
	queryID := uuid.NewString()
	record := &Record{
		QueryID:        queryID,
		ConversationID: conversationID,
		SQL:            sql,
		Columns:        columns,
		Rows:           rows,
		CreatedAt:      c.cfg.Clock.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Set(key(conversationID, queryID), record, ttlcache.DefaultTTL)
	ids := append(c.byConversation[conversationID], queryID)

	// Enforce the per-conversation bound, oldest first.
	for len(ids) > c.cfg.MaxPerConversation {
		evicted := ids[0]
		ids = ids[1:]
		c.cache.Delete(key(conversationID, evicted))
		c.log.Debug("evicted query result", "conversation", conversationID, "query_id", evicted)
	}
	c.byConversation[conversationID] = ids

	return queryID
}

// Get returns a stored record. Absence is not an error at this layer;
// callers decide whether a miss is fatal.
func (c *Cache) Get(conversationID, queryID string) (*Record, bool) {
	item := c.cache.Get(key(conversationID, queryID))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// DropConversation removes every record for a conversation.
func (c *Cache) DropConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.byConversation[conversationID] {
		c.cache.Delete(key(conversationID, id))
	}
	delete(c.byConversation, conversationID)
}

// Stop halts the background expiration loop.
func (c *Cache) Stop() {
	c.cache.Stop()
}

func key(conversationID, queryID string) string {
	return conversationID + "/" + queryID
}
