// Package token issues and verifies the signed trigger tokens that let a
// compute worker report the outcome of exactly one prediction.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

const issuer = "prophecy"

var ErrInvalidToken = errors.New("invalid trigger token")

// Claims is the payload of a trigger token. Subject carries the owner id.
type Claims struct {
	jwt.RegisteredClaims
	PredictionID string `json:"pid"`
}

// Issuer signs and verifies HS256 trigger tokens with a shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an Issuer for secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue returns a token that authorizes reconciling predictionID on behalf
// of owner until ttl elapses.
func (i *Issuer) Issue(owner, predictionID uuid.UUID, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   owner.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PredictionID: predictionID.String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing trigger token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and returns the caller it
// identifies. The caller is scoped to a single prediction.
func (i *Issuer) Verify(raw string) (models.Caller, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	owner, err := uuid.Parse(claims.Subject)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	id, err := uuid.Parse(claims.PredictionID)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: prediction id: %v", ErrInvalidToken, err)
	}
	return models.Caller{Owner: owner, PredictionID: id}, nil
}
