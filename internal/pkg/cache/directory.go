package cache

import (
	"context"
	"log"
	"time"
)

const directoryKeyPrefix = "directory:email:"

// DirectoryLookupCache caches email-to-user resolutions from the account
// directory. Implements the payments.DirectoryCache interface.
type DirectoryLookupCache struct {
	TTL time.Duration
}

// NewDirectoryLookupCache creates a lookup cache with the given TTL.
func NewDirectoryLookupCache(ttl time.Duration) *DirectoryLookupCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DirectoryLookupCache{TTL: ttl}
}

func (c *DirectoryLookupCache) GetUserID(ctx context.Context, email string) (uint, bool) {
	_ = ctx
	id, err := GetUint(directoryKeyPrefix + email)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

func (c *DirectoryLookupCache) SetUserID(ctx context.Context, email string, userID uint) {
	_ = ctx
	if err := Set(directoryKeyPrefix+email, uint64(userID), c.TTL); err != nil {
		log.Printf("cache: failed to store directory lookup for %s: %v", email, err)
	}
}
