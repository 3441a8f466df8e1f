package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/plotline/plotline/internal/cache"
)

func (s *Server) cacheInstance(c *gin.Context) (cache.Instance, bool) {
	instance, err := s.caches.Get(c.Param("cache"))
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return instance, true
}

func (s *Server) GetCacheEntry(c *gin.Context) {
	instance, ok := s.cacheInstance(c)
	if !ok {
		return
	}
	entry, err := instance.GetEntry(c.Request.Context(), c.Param("key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entry == nil {
		AbortWithError(c, cache.ErrEntryNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

type putCacheEntryRequest struct {
	Value      any   `json:"value"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

// PutCacheEntry writes a value with an explicit TTL, or the instance's
// default when ttl_seconds is absent.
func (s *Server) PutCacheEntry(c *gin.Context) {
	instance, ok := s.cacheInstance(c)
	if !ok {
		return
	}
	var req putCacheEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = instance.DefaultTTL()
	}
	if err := instance.SetEntry(c.Request.Context(), c.Param("key"), req.Value, ttl); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

func (s *Server) DeleteCacheEntry(c *gin.Context) {
	instance, ok := s.cacheInstance(c)
	if !ok {
		return
	}
	removed, err := instance.DeleteEntry(c.Request.Context(), c.Param("key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !removed {
		AbortWithError(c, cache.ErrEntryNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListCacheKeys pages matching keys; ?metadata=true additionally loads each
// key's entry view (value, stored_at, expires_at).
func (s *Server) ListCacheKeys(c *gin.Context) {
	instance, ok := s.cacheInstance(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	keys, total, err := instance.Keys(c.Request.Context(), c.Query("pattern"), limit, offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	withMetadata, _ := strconv.ParseBool(c.Query("metadata"))
	if !withMetadata {
		c.JSON(http.StatusOK, gin.H{"keys": keys, "total": total})
		return
	}

	entries := make([]*cache.EntryView, 0, len(keys))
	for _, key := range keys {
		entry, err := instance.GetEntry(c.Request.Context(), key)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		// An entry can expire between the listing and the read.
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "entries": entries, "total": total})
}

// CleanupCaches purges expired entries: one named cache with ?cache=, or
// every registered instance without it.
func (s *Server) CleanupCaches(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Query("cache")
	if name == "" {
		removed, err := s.caches.CleanupAll(ctx, s.clock.Now())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries_removed": removed})
		return
	}

	instance, err := s.caches.Get(name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	removed, err := instance.Cleanup(ctx, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries_removed": removed})
}
