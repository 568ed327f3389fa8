package lockgw

import (
	"sync"
	"time"
)

// book is the credential ledger kept by the built-in vendor gateways.  Real
// vendor APIs hold this state on their side.
type book struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	secret    string
	expiresAt time.Time
	revoked   bool
}

func newBook(now func() time.Time) *book {
	if now == nil {
		now = time.Now
	}
	return &book{entries: make(map[string]*entry), now: now}
}

func (b *book) put(grantID, secret string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[grantID] = &entry{secret: secret, expiresAt: expiresAt}
}

// revoke is idempotent.
func (b *book) revoke(grantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[grantID]
	if !ok {
		return ErrUnknownGrant
	}
	e.revoked = true
	return nil
}

func (b *book) verify(grantID string) (Verification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[grantID]
	if !ok {
		return Verification{}, ErrUnknownGrant
	}
	return Verification{
		Valid:     !e.revoked && b.now().Before(e.expiresAt),
		ExpiresAt: e.expiresAt,
	}, nil
}

func (b *book) secret(grantID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[grantID]
	if !ok {
		return "", false
	}
	return e.secret, true
}
