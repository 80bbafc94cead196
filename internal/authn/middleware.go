// Package authn authenticates requests by X-API-Key, mapping the key to the
// operator wallet address it represents (spec §6). This replaces the
// teacher's EIP-191 wallet-signature scheme — the marketplace's wire
// protocol authenticates by API key, not by per-request wallet signing.
package authn

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is the gin.Context key the operator wallet is stored under.
const ContextKey = "operator_wallet"

// KeyStore resolves an API key to the operator wallet it authenticates.
type KeyStore interface {
	Lookup(apiKey string) (operatorWallet string, ok bool)
}

// StaticKeyStore is a fixed key -> wallet map, loaded once from config.
type StaticKeyStore struct {
	keys map[string]string
}

func NewStaticKeyStore(keys map[string]string) *StaticKeyStore {
	normalized := make(map[string]string, len(keys))
	for k, v := range keys {
		normalized[k] = strings.ToLower(v)
	}
	return &StaticKeyStore{keys: normalized}
}

func (s *StaticKeyStore) Lookup(apiKey string) (string, bool) {
	wallet, ok := s.keys[apiKey]
	return wallet, ok
}

// Middleware returns a Gin handler that resolves X-API-Key into the
// authenticated operator wallet, aborting with 401 on a missing or unknown
// key, mirroring the teacher's header-extraction + c.AbortWithStatusJSON
// idiom in its own auth middleware.
func Middleware(store KeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
			return
		}
		wallet, ok := store.Lookup(apiKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Set(ContextKey, wallet)
		c.Next()
	}
}

// Wallet reads the authenticated operator wallet set by Middleware.
func Wallet(c *gin.Context) string {
	return c.GetString(ContextKey)
}
