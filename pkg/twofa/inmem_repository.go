package twofa

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository implements Repository using in-memory storage.
type InMemoryRepository struct {
	mu            sync.RWMutex
	totpFactors   map[uuid.UUID]TotpFactor
	emailFactors  map[uuid.UUID]EmailFactor
	recoveryCodes map[uuid.UUID][]RecoveryCode
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		totpFactors:   make(map[uuid.UUID]TotpFactor),
		emailFactors:  make(map[uuid.UUID]EmailFactor),
		recoveryCodes: make(map[uuid.UUID][]RecoveryCode),
	}
}

func (r *InMemoryRepository) GetTotpFactor(ctx context.Context, accountID uuid.UUID) (TotpFactor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factor, ok := r.totpFactors[accountID]
	if !ok {
		return TotpFactor{}, ErrFactorNotFound
	}
	return factor, nil
}

func (r *InMemoryRepository) SaveTotpFactor(ctx context.Context, factor TotpFactor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factor.UpdatedAt = time.Now().UTC()
	if existing, ok := r.totpFactors[factor.AccountID]; ok {
		factor.CreatedAt = existing.CreatedAt
	} else {
		factor.CreatedAt = factor.UpdatedAt
	}
	r.totpFactors[factor.AccountID] = factor
	return nil
}

func (r *InMemoryRepository) GetEmailFactor(ctx context.Context, accountID uuid.UUID) (EmailFactor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factor, ok := r.emailFactors[accountID]
	if !ok {
		return EmailFactor{}, ErrFactorNotFound
	}
	return factor, nil
}

func (r *InMemoryRepository) SaveEmailFactor(ctx context.Context, factor EmailFactor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factor.UpdatedAt = time.Now().UTC()
	if existing, ok := r.emailFactors[factor.AccountID]; ok {
		factor.CreatedAt = existing.CreatedAt
	} else {
		factor.CreatedAt = factor.UpdatedAt
	}
	r.emailFactors[factor.AccountID] = factor
	return nil
}

func (r *InMemoryRepository) DeleteEmailFactor(ctx context.Context, accountID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.emailFactors[accountID]; !ok {
		return ErrFactorNotFound
	}
	delete(r.emailFactors, accountID)
	return nil
}

func (r *InMemoryRepository) GetRecoveryCodes(ctx context.Context, accountID uuid.UUID) ([]RecoveryCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := r.recoveryCodes[accountID]
	out := make([]RecoveryCode, len(codes))
	copy(out, codes)
	return out, nil
}

func (r *InMemoryRepository) ReplaceRecoveryCodes(ctx context.Context, accountID uuid.UUID, codes []RecoveryCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := make([]RecoveryCode, len(codes))
	copy(stored, codes)
	r.recoveryCodes[accountID] = stored
	return nil
}

func (r *InMemoryRepository) MarkRecoveryCodeUsed(ctx context.Context, accountID, codeID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	codes := r.recoveryCodes[accountID]
	for i := range codes {
		if codes[i].ID == codeID {
			now := time.Now().UTC()
			codes[i].UsedAt = &now
			return nil
		}
	}
	return ErrFactorNotFound
}
