// Package media mints signed access tokens for real-time call rooms.
package media

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 6 * time.Hour

// ErrInvalidMinterConfig signals missing minter configuration.
var ErrInvalidMinterConfig = errors.New("invalid media minter config")

// TokenMinter issues a signed grant for one identity in one room.
type TokenMinter interface {
	MintToken(identity string, roomName string) (string, error)
}

// VideoGrant is the room capability claim embedded in the token.
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Video VideoGrant `json:"video"`
}

// LiveKitMinter signs LiveKit-compatible HS256 access tokens.
type LiveKitMinter struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
	nowFn     func() time.Time
}

// MinterOption configures a LiveKitMinter instance.
type MinterOption func(*LiveKitMinter)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) MinterOption {
	return func(minter *LiveKitMinter) {
		minter.ttl = ttl
	}
}

// WithClock overrides the minter's time source.
func WithClock(now func() time.Time) MinterOption {
	return func(minter *LiveKitMinter) {
		minter.nowFn = now
	}
}

// NewLiveKitMinter wires a LiveKitMinter.
func NewLiveKitMinter(apiKey string, apiSecret string, options ...MinterOption) (*LiveKitMinter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidMinterConfig)
	}
	if strings.TrimSpace(apiSecret) == "" {
		return nil, fmt.Errorf("%w: api secret is required", ErrInvalidMinterConfig)
	}
	minter := &LiveKitMinter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		ttl:       defaultTokenTTL,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(minter)
		}
	}
	return minter, nil
}

// MintToken signs a publish+subscribe grant scoped to the room and identity.
func (minter *LiveKitMinter) MintToken(identity string, roomName string) (string, error) {
	now := minter.nowFn()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    minter.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(minter.ttl)),
		},
		Video: VideoGrant{
			Room:         roomName,
			RoomJoin:     true,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(minter.apiSecret))
}
