package statetoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Steps a partially completed sign-in can be parked at.
const (
	StepMethodSelection    = "method_selection"
	StepTotpVerify         = "totp_verify"
	StepEmailCodeVerify    = "email_code_verify"
	StepRecoveryCodeVerify = "recovery_code_verify"
	StepEmailVerification  = "email_verification"
	StepPasswordReset      = "password_reset"
)

// ErrStateTokenNotFound covers unknown, expired, and already consumed
// tokens. The three cases are indistinguishable to the caller on purpose.
var ErrStateTokenNotFound = errors.New("state token not found or already used")

// State is the server-side record behind one continuation token. The token
// handed to the client is an opaque random string; everything else lives
// here.
type State struct {
	AccountID      uuid.UUID `json:"account_id"`
	Step           string    `json:"step"`
	AllowedMethods []string  `json:"allowed_methods,omitempty"`
}

// Store issues and consumes single-use continuation tokens.
type Store interface {
	// Issue stores the state and returns a fresh opaque token for it.
	Issue(ctx context.Context, state State, ttl time.Duration) (string, error)

	// Consume atomically retrieves and deletes the state. A second call
	// with the same token returns ErrStateTokenNotFound.
	Consume(ctx context.Context, token string) (State, error)
}

const stateKeyPrefix = "signin_state:"

// RedisStore keeps continuation state in Redis with a TTL. Consume uses
// GETDEL so a token observed twice loses the race.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Issue(ctx context.Context, state State, ttl time.Duration) (string, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.client.Set(ctx, stateKeyPrefix+token, payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store state token: %w", err)
	}
	return token, nil
}

func (s *RedisStore) Consume(ctx context.Context, token string) (State, error) {
	payload, err := s.client.GetDel(ctx, stateKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, ErrStateTokenNotFound
		}
		return State{}, fmt.Errorf("failed to consume state token: %w", err)
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
