// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file corresponds to src/format/signature-cache.js in the Node.js version.
package format

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// Cache size caps per kind (spec §3 SignatureEntry, four kinds: tool/family/
// session/content, each with its own bound since they have different churn
// rates and cardinalities).
const (
	toolCacheCap    = 500
	familyCacheCap  = 200
	sessionCacheCap = 1000
	contentCacheCap = 2000
)

// boundedLRU is a small fixed-capacity LRU used for the in-memory fallback
// of each signature kind. Eviction drops the least-recently-used entry once
// the cap is exceeded.
type boundedLRU struct {
	cap   int
	ll    *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key   string
	value interface{}
}

func newBoundedLRU(cap int) *boundedLRU {
	return &boundedLRU{cap: cap, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *boundedLRU) get(key string) (interface{}, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *boundedLRU) set(key string, value interface{}) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *boundedLRU) delete(key string) {
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// SignatureCache caches Gemini thoughtSignatures for tool calls and thinking blocks.
// Gemini models require thoughtSignature on tool calls, but Claude Code strips non-standard fields.
// This cache stores signatures so they can be restored in subsequent requests.
//
// For the Go version, we use Redis for persistence instead of in-memory Map.
// Fallback to in-memory cache when Redis is unavailable.
type SignatureCache struct {
	mu            sync.RWMutex
	redisClient   *redis.Client
	useRedis      bool
	memoryCache   map[string]*signatureEntry
	thinkingCache map[string]*thinkingEntry

	// sessionCache and contentCache are the two kinds SPEC_FULL adds beyond
	// the teacher's tool/family pair (spec §3 "4 kinds: tool, family,
	// session, content").
	sessionCache *boundedLRU
	contentCache *boundedLRU
}

type signatureEntry struct {
	Signature string
	Timestamp time.Time
}

type thinkingEntry struct {
	ModelFamily string
	Timestamp   time.Time
}

// NewSignatureCache creates a new SignatureCache
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	cache := &SignatureCache{
		redisClient:   redisClient,
		useRedis:      redisClient != nil,
		memoryCache:   make(map[string]*signatureEntry),
		thinkingCache: make(map[string]*thinkingEntry),
		sessionCache:  newBoundedLRU(sessionCacheCap),
		contentCache:  newBoundedLRU(contentCacheCap),
	}
	return cache
}

// CacheSignature stores a signature for a tool_use_id
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useRedis {
		ctx := context.Background()
		ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
		_ = c.redisClient.SetSignature(ctx, toolUseID, signature, ttl)
	} else {
		c.memoryCache[toolUseID] = &signatureEntry{
			Signature: signature,
			Timestamp: time.Now(),
		}
		evictOldestIfOverCap(c.memoryCache, toolCacheCap)
	}
}

// evictOldestIfOverCap drops the oldest entry once a map exceeds its cap.
// The tool/family in-memory maps are small and short-lived enough that a
// linear scan on the rare over-cap insert is cheaper than threading a
// second LRU structure through them.
func evictOldestIfOverCap(m map[string]*signatureEntry, cap int) {
	if len(m) <= cap {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, v := range m {
		if first || v.Timestamp.Before(oldestTime) {
			oldestKey, oldestTime, first = k, v.Timestamp, false
		}
	}
	if oldestKey != "" {
		delete(m, oldestKey)
	}
}

// GetCachedSignature retrieves a cached signature for a tool_use_id
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.useRedis {
		ctx := context.Background()
		signature, err := c.redisClient.GetSignature(ctx, toolUseID)
		if err != nil || signature == "" {
			return ""
		}
		return signature
	}

	// Memory cache fallback
	entry, ok := c.memoryCache[toolUseID]
	if !ok {
		return ""
	}

	// Check TTL
	ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
	if time.Since(entry.Timestamp) > ttl {
		delete(c.memoryCache, toolUseID)
		return ""
	}

	return entry.Signature
}

// CacheThinkingSignature caches a thinking block signature with its model family
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useRedis {
		ctx := context.Background()
		ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
		_ = c.redisClient.SetThinkingSignature(ctx, signature, modelFamily, ttl)
	} else {
		c.thinkingCache[signature] = &thinkingEntry{
			ModelFamily: modelFamily,
			Timestamp:   time.Now(),
		}
		evictOldestThinkingIfOverCap(c.thinkingCache, familyCacheCap)
	}
}

func evictOldestThinkingIfOverCap(m map[string]*thinkingEntry, cap int) {
	if len(m) <= cap {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, v := range m {
		if first || v.Timestamp.Before(oldestTime) {
			oldestKey, oldestTime, first = k, v.Timestamp, false
		}
	}
	if oldestKey != "" {
		delete(m, oldestKey)
	}
}

// GetCachedSignatureFamily returns the cached model family for a thinking signature
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.useRedis {
		ctx := context.Background()
		family, err := c.redisClient.GetThinkingSignature(ctx, signature)
		if err != nil || family == "" {
			return ""
		}
		return family
	}

	// Memory cache fallback
	entry, ok := c.thinkingCache[signature]
	if !ok {
		return ""
	}

	// Check TTL
	ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
	if time.Since(entry.Timestamp) > ttl {
		delete(c.thinkingCache, signature)
		return ""
	}

	return entry.ModelFamily
}

// ClearThinkingSignatureCache clears all entries from the thinking signature cache
func (c *SignatureCache) ClearThinkingSignatureCache() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useRedis {
		// Redis entries will auto-expire via TTL
		// For testing, we clear the memory cache
	}

	c.thinkingCache = make(map[string]*thinkingEntry)
}

type sessionSigEntry struct {
	Signature string
	Timestamp time.Time
}

// CacheSessionSignature stores the current best thinking signature for a
// session, applying the replacement rule from spec testable property #9: a
// new signature replaces the cached one iff the new one is at least as long
// or the cached one has already expired (length heuristic: longer
// signatures carry strictly more provenance for the same session).
func (c *SignatureCache) CacheSessionSignature(sessionID, signature string) {
	if sessionID == "" || signature == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
	if existing, ok := c.sessionCache.get(sessionID); ok {
		if entry, ok := existing.(*sessionSigEntry); ok {
			expired := time.Since(entry.Timestamp) > ttl
			if !expired && len(entry.Signature) > len(signature) {
				return
			}
		}
	}
	c.sessionCache.set(sessionID, &sessionSigEntry{Signature: signature, Timestamp: time.Now()})
}

// GetSessionSignature retrieves the cached best signature for a session.
func (c *SignatureCache) GetSessionSignature(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.sessionCache.get(sessionID); ok {
		if entry, ok := v.(*sessionSigEntry); ok {
			return entry.Signature
		}
	}
	return ""
}

// CacheContentSignature caches a signature keyed by a hash of the content it
// was produced for, used to recover signatures for regenerated content
// blocks whose tool_use_id changed across a retry.
func (c *SignatureCache) CacheContentSignature(contentHash, signature string) {
	if contentHash == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contentCache.set(contentHash, signature)
}

// GetContentSignature retrieves a signature by content hash.
func (c *SignatureCache) GetContentSignature(contentHash string) string {
	if contentHash == "" {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.contentCache.get(contentHash); ok {
		return v.(string)
	}
	return ""
}

// Global instance for convenience
var globalSignatureCache *SignatureCache
var signatureCacheOnce sync.Once

// InitGlobalSignatureCache initializes the global signature cache
func InitGlobalSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetGlobalSignatureCache returns the global signature cache instance
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		// Fallback to memory-only cache if not initialized
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking signature cache
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
