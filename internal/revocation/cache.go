package revocation

import (
	"crypto/x509"
	"sync"
	"time"
)

// crlFallbackTTL applies to CRLs that carry no NextUpdate.
const crlFallbackTTL = time.Hour

// CRLCache keeps parsed CRLs keyed by distribution point URL.
type CRLCache struct {
	entries map[string]crlEntry
	nowFn   func() time.Time
	mu      sync.RWMutex
}

type crlEntry struct {
	crl       *x509.RevocationList
	expiresAt time.Time
}

// NewCRLCache creates an empty CRL cache.
func NewCRLCache() *CRLCache {
	return &CRLCache{entries: make(map[string]crlEntry), nowFn: time.Now}
}

// Get returns a cached CRL for the URL, or nil if missing or expired.
func (c *CRLCache) Get(url string) *x509.RevocationList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[url]
	if !ok || c.nowFn().After(e.expiresAt) {
		return nil
	}
	return e.crl
}

// Set stores a CRL until its NextUpdate.
func (c *CRLCache) Set(url string, crl *x509.RevocationList) {
	expires := crl.NextUpdate
	if expires.IsZero() {
		expires = c.nowFn().Add(crlFallbackTTL)
	}
	c.mu.Lock()
	c.entries[url] = crlEntry{crl: crl, expiresAt: expires}
	c.mu.Unlock()
}

// Len returns the number of cached distribution points.
func (c *CRLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
