package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestJwtResolver(t *testing.T) {
	resolver := NewJwtResolver([]byte("test-secret"))
	principalId := NewId()

	token, err := resolver.Mint(principalId, 1*time.Hour)
	assert.Equal(t, err, nil)

	resolved, err := resolver.ResolvePrincipal(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolved, principalId)
}

func TestJwtResolverRejects(t *testing.T) {
	resolver := NewJwtResolver([]byte("test-secret"))
	principalId := NewId()

	_, err := resolver.ResolvePrincipal("not-a-token")
	assert.Equal(t, errors.Is(err, ErrAuthRejected), true)

	// wrong secret
	other := NewJwtResolver([]byte("other-secret"))
	token, err := other.Mint(principalId, 1*time.Hour)
	assert.Equal(t, err, nil)
	_, err = resolver.ResolvePrincipal(token)
	assert.Equal(t, errors.Is(err, ErrAuthRejected), true)

	// expired
	expired, err := resolver.Mint(principalId, -1*time.Hour)
	assert.Equal(t, err, nil)
	_, err = resolver.ResolvePrincipal(expired)
	assert.Equal(t, errors.Is(err, ErrAuthRejected), true)
}

func TestTokenResolverFunc(t *testing.T) {
	principalId := NewId()
	resolver := TokenResolverFunc(func(token string) (Id, error) {
		if token == "good" {
			return principalId, nil
		}
		return Id{}, ErrAuthRejected
	})

	resolved, err := resolver.ResolvePrincipal("good")
	assert.Equal(t, err, nil)
	assert.Equal(t, resolved, principalId)

	_, err = resolver.ResolvePrincipal("bad")
	assert.Equal(t, errors.Is(err, ErrAuthRejected), true)
}
