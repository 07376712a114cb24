package relay

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrAuthRejected = errors.New("auth rejected")

// resolves a connection token to a principal id, or fails.
// injected at connection-upgrade time.
type TokenResolver interface {
	ResolvePrincipal(token string) (Id, error)
}

type TokenResolverFunc func(token string) (Id, error)

func (self TokenResolverFunc) ResolvePrincipal(token string) (Id, error) {
	return self(token)
}

// hmac-signed jwt carrying the principal id as a claim
type JwtResolver struct {
	secret []byte
}

func NewJwtResolver(secret []byte) *JwtResolver {
	return &JwtResolver{
		secret: secret,
	}
}

func (self *JwtResolver) ResolvePrincipal(token string) (Id, error) {
	parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (any, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return self.secret, nil
	})
	if err != nil {
		return Id{}, fmt.Errorf("%w: %s", ErrAuthRejected, err)
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, ErrAuthRejected
	}
	principalIdStr, ok := claims["principal_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("%w: missing principal_id", ErrAuthRejected)
	}
	principalId, err := ParseId(principalIdStr)
	if err != nil {
		return Id{}, fmt.Errorf("%w: %s", ErrAuthRejected, err)
	}
	return principalId, nil
}

func (self *JwtResolver) Mint(principalId Id, expireTimeout time.Duration) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"principal_id": principalId.String(),
		"exp":          time.Now().Add(expireTimeout).Unix(),
	})
	return token.SignedString(self.secret)
}
