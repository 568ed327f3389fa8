package lockgw

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/thirdplace/server/internal/thirdplace/types"
)

const pinDigits = 6

// Schlage programs a time-boxed keypad PIN.
type Schlage struct {
	apiKey string
	book   *book
}

func NewSchlage(apiKey string, now func() time.Time) *Schlage {
	return &Schlage{apiKey: apiKey, book: newBook(now)}
}

func (s *Schlage) Provision(ctx context.Context, gc GrantContext) (Provisioned, error) {
	if err := ctx.Err(); err != nil {
		return Provisioned{}, err
	}
	if s.apiKey == "" {
		return Provisioned{}, errors.New("schlage: api key not configured")
	}
	pin, err := newPIN()
	if err != nil {
		return Provisioned{}, fmt.Errorf("schlage: %w", err)
	}
	s.book.put(gc.GrantID, pin, gc.ValidUntil)

	payload, err := structpb.NewStruct(map[string]any{
		"pin":        pin,
		"lock_id":    gc.LockID,
		"expires_at": gc.ValidUntil.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Provisioned{}, err
	}
	return Provisioned{AccessType: types.AccessPIN, Payload: payload}, nil
}

func (s *Schlage) Revoke(ctx context.Context, grantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.book.revoke(grantID)
}

func (s *Schlage) Verify(ctx context.Context, grantID string) (Verification, error) {
	if err := ctx.Err(); err != nil {
		return Verification{}, err
	}
	return s.book.verify(grantID)
}

// CheckPIN reports whether pin opens the lock for grantID right now.
func (s *Schlage) CheckPIN(grantID, pin string) bool {
	want, ok := s.book.secret(grantID)
	if !ok || want != pin {
		return false
	}
	v, err := s.book.verify(grantID)
	return err == nil && v.Valid
}

func newPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()), nil
}
