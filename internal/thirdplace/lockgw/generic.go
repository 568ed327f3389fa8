package lockgw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/thirdplace/server/internal/thirdplace/types"
)

const qrIssuer = "thirdplace"

var (
	ErrTokenInvalid = errors.New("lockgw: access token invalid")
	ErrTokenRevoked = errors.New("lockgw: access token revoked")
)

// GenericQR serves locks with no vendor integration: the credential is an
// HS256-signed token the steward presents as a QR code and the door scanner
// checks with ValidateToken.
type GenericQR struct {
	secret []byte
	book   *book
	now    func() time.Time
}

type qrClaims struct {
	jwt.RegisteredClaims
	EnvelopeID string `json:"envelope_id"`
	LockID     string `json:"lock_id"`
}

func NewGenericQR(secret string, now func() time.Time) (*GenericQR, error) {
	if secret == "" {
		return nil, errors.New("generic qr: signing secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &GenericQR{secret: []byte(secret), book: newBook(now), now: now}, nil
}

func (g *GenericQR) Provision(ctx context.Context, gc GrantContext) (Provisioned, error) {
	if err := ctx.Err(); err != nil {
		return Provisioned{}, err
	}
	claims := qrClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    qrIssuer,
			Subject:   gc.GrantID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(g.now()),
			NotBefore: jwt.NewNumericDate(gc.ValidFrom),
			ExpiresAt: jwt.NewNumericDate(gc.ValidUntil),
		},
		EnvelopeID: gc.EnvelopeID,
		LockID:     gc.LockID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return Provisioned{}, fmt.Errorf("generic qr: sign: %w", err)
	}
	g.book.put(gc.GrantID, token, gc.ValidUntil)

	payload, err := structpb.NewStruct(map[string]any{
		"token":      token,
		"lock_id":    gc.LockID,
		"expires_at": gc.ValidUntil.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Provisioned{}, err
	}
	return Provisioned{AccessType: types.AccessQR, Payload: payload}, nil
}

func (g *GenericQR) Revoke(ctx context.Context, grantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.book.revoke(grantID)
}

func (g *GenericQR) Verify(ctx context.Context, grantID string) (Verification, error) {
	if err := ctx.Err(); err != nil {
		return Verification{}, err
	}
	return g.book.verify(grantID)
}

// ValidateToken checks a scanned token against lockID and returns the grant
// it was issued for.
func (g *GenericQR) ValidateToken(token, lockID string) (string, error) {
	var claims qrClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(qrIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.LockID != lockID {
		return "", fmt.Errorf("%w: issued for lock %q", ErrTokenInvalid, claims.LockID)
	}
	v, err := g.book.verify(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !v.Valid {
		return "", ErrTokenRevoked
	}
	return claims.Subject, nil
}
