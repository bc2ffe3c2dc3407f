package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// InlinePrefix prefixes references minted by the Vault.
const InlinePrefix = "inline:"

// DefaultInlineTTL is how long inline credentials live.
const DefaultInlineTTL = time.Hour

type vaultEntry struct {
	creds   engine.Credentials
	expires time.Time
}

// Vault holds credentials submitted inline with a request, keyed by a
// generated reference, until they expire.
type Vault struct {
	mu      sync.RWMutex
	entries map[string]vaultEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewVault creates a vault. A non-positive ttl uses DefaultInlineTTL.
func NewVault(ttl time.Duration) *Vault {
	if ttl <= 0 {
		ttl = DefaultInlineTTL
	}
	return &Vault{
		entries: make(map[string]vaultEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores creds and returns their reference.
func (v *Vault) Put(creds engine.Credentials) string {
	ref := InlinePrefix + uuid.NewString()
	if creds.PrivateKey != nil {
		creds.PrivateKey = append([]byte(nil), creds.PrivateKey...)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[ref] = vaultEntry{creds: creds, expires: v.now().Add(v.ttl)}
	return ref
}

// Resolve implements engine.CredentialProvider.
func (v *Vault) Resolve(_ context.Context, ref string) (engine.Credentials, error) {
	if !strings.HasPrefix(ref, InlinePrefix) {
		return engine.Credentials{}, Unknown(ref)
	}

	v.mu.RLock()
	e, ok := v.entries[ref]
	v.mu.RUnlock()

	if !ok || !v.now().Before(e.expires) {
		return engine.Credentials{}, Unknown(ref)
	}
	return e.creds, nil
}

// Forget drops a reference.
func (v *Vault) Forget(ref string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, ref)
}

// Len returns the number of stored entries, expired or not.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Purge removes expired entries and returns how many were removed.
func (v *Vault) Purge() int {
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	removed := 0
	for ref, e := range v.entries {
		if !now.Before(e.expires) {
			delete(v.entries, ref)
			removed++
		}
	}
	return removed
}

// Run purges expired entries every interval until ctx is done.
func (v *Vault) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := v.Purge(); n > 0 {
				log.Debug().Int("removed", n).Msg("Purged expired inline credentials")
			}
		case <-ctx.Done():
			return
		}
	}
}
