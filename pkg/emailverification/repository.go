package emailverification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCodeNotFound      = errors.New("verification code not found")
	ErrCodeExpired       = errors.New("verification code expired")
	ErrCodeUsed          = errors.New("verification code already used")
	ErrAlreadyVerified   = errors.New("email already verified")
	ErrResendRateLimited = errors.New("too many verification emails requested")
)

// VerificationCode is one emailed code. Email is pinned at issue time so a
// code issued for an old address cannot verify a new one.
type VerificationCode struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Email     string
	Code      string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Repository persists verification codes.
type Repository interface {
	SaveCode(ctx context.Context, code VerificationCode) error
	// ConsumeCode atomically marks the matching unused, unexpired code as
	// used and returns it.
	ConsumeCode(ctx context.Context, accountID uuid.UUID, code string) (VerificationCode, error)
	// CountRecentCodes counts codes issued for the account since cutoff,
	// for resend rate limiting.
	CountRecentCodes(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error)
}

// InMemoryRepository implements Repository using in-memory storage.
type InMemoryRepository struct {
	mu    sync.Mutex
	codes map[uuid.UUID][]VerificationCode
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{codes: make(map[uuid.UUID][]VerificationCode)}
}

func (r *InMemoryRepository) SaveCode(ctx context.Context, code VerificationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codes[code.AccountID] = append(r.codes[code.AccountID], code)
	return nil
}

func (r *InMemoryRepository) ConsumeCode(ctx context.Context, accountID uuid.UUID, code string) (VerificationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	codes := r.codes[accountID]
	for i := range codes {
		if codes[i].Code != code {
			continue
		}
		if codes[i].UsedAt != nil {
			return VerificationCode{}, ErrCodeUsed
		}
		if time.Now().After(codes[i].ExpiresAt) {
			return VerificationCode{}, ErrCodeExpired
		}
		now := time.Now().UTC()
		codes[i].UsedAt = &now
		return codes[i], nil
	}
	return VerificationCode{}, ErrCodeNotFound
}

func (r *InMemoryRepository) CountRecentCodes(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, c := range r.codes[accountID] {
		if c.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}
