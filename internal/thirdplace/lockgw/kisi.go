package lockgw

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/thirdplace/server/internal/thirdplace/types"
)

// Kisi issues temporary API-unlock credentials.
type Kisi struct {
	apiKey string
	book   *book
}

func NewKisi(apiKey string, now func() time.Time) *Kisi {
	return &Kisi{apiKey: apiKey, book: newBook(now)}
}

func (k *Kisi) Provision(ctx context.Context, gc GrantContext) (Provisioned, error) {
	if err := ctx.Err(); err != nil {
		return Provisioned{}, err
	}
	if k.apiKey == "" {
		return Provisioned{}, errors.New("kisi: api key not configured")
	}
	credentialID := uuid.New().String()
	k.book.put(gc.GrantID, credentialID, gc.ValidUntil)

	payload, err := structpb.NewStruct(map[string]any{
		"credential_id": credentialID,
		"lock_id":       gc.LockID,
		"expires_at":    gc.ValidUntil.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Provisioned{}, err
	}
	return Provisioned{AccessType: types.AccessAPIUnlock, Payload: payload}, nil
}

func (k *Kisi) Revoke(ctx context.Context, grantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.book.revoke(grantID)
}

func (k *Kisi) Verify(ctx context.Context, grantID string) (Verification, error) {
	if err := ctx.Err(); err != nil {
		return Verification{}, err
	}
	return k.book.verify(grantID)
}
