package login

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryAccountRepository implements AccountRepository using in-memory
// storage. Used in tests and demos.
type InMemoryAccountRepository struct {
	mu                 sync.RWMutex
	accounts           map[uuid.UUID]Account
	accountsByUsername map[string]uuid.UUID
	accountsByEmail    map[string]uuid.UUID
	passwordHistory    map[uuid.UUID][]PasswordHistoryEntry
	resetCodes         map[uuid.UUID][]ResetCode
}

// NewInMemoryAccountRepository creates a new in-memory account repository.
func NewInMemoryAccountRepository() *InMemoryAccountRepository {
	return &InMemoryAccountRepository{
		accounts:           make(map[uuid.UUID]Account),
		accountsByUsername: make(map[string]uuid.UUID),
		accountsByEmail:    make(map[string]uuid.UUID),
		passwordHistory:    make(map[uuid.UUID][]PasswordHistoryEntry),
		resetCodes:         make(map[uuid.UUID][]ResetCode),
	}
}

func (r *InMemoryAccountRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username := strings.ToLower(params.Username)
	email := strings.ToLower(params.Email)

	if _, exists := r.accountsByUsername[username]; exists {
		return Account{}, ErrDuplicateUsername
	}
	if _, exists := r.accountsByEmail[email]; exists {
		return Account{}, ErrDuplicateEmail
	}

	now := time.Now().UTC()
	account := Account{
		ID:                uuid.New(),
		Username:          username,
		Email:             email,
		PasswordHash:      params.PasswordHash,
		PasswordChangedAt: now,
		Role:              params.Role,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	r.accounts[account.ID] = account
	r.accountsByUsername[username] = account.ID
	r.accountsByEmail[email] = account.ID
	return account, nil
}

func (r *InMemoryAccountRepository) GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (r *InMemoryAccountRepository) FindAccountByUsername(ctx context.Context, username string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.accountsByUsername[strings.ToLower(username)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return r.accounts[id], nil
}

func (r *InMemoryAccountRepository) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.accountsByEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return r.accounts[id], nil
}

// UpdateAccount applies fn while holding the repository write lock, so
// concurrent security updates on the same account serialize here.
func (r *InMemoryAccountRepository) UpdateAccount(ctx context.Context, id uuid.UUID, fn func(*Account) error) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}

	oldUsername := account.Username
	oldEmail := account.Email

	if err := fn(&account); err != nil {
		return Account{}, err
	}
	account.UpdatedAt = time.Now().UTC()

	if account.Username != oldUsername {
		account.Username = strings.ToLower(account.Username)
		if other, exists := r.accountsByUsername[account.Username]; exists && other != id {
			return Account{}, ErrDuplicateUsername
		}
		delete(r.accountsByUsername, oldUsername)
		r.accountsByUsername[account.Username] = id
	}
	if account.Email != oldEmail {
		account.Email = strings.ToLower(account.Email)
		if other, exists := r.accountsByEmail[account.Email]; exists && other != id {
			return Account{}, ErrDuplicateEmail
		}
		delete(r.accountsByEmail, oldEmail)
		r.accountsByEmail[account.Email] = id
	}

	r.accounts[id] = account
	return account, nil
}

func (r *InMemoryAccountRepository) GetPasswordHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]PasswordHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := r.passwordHistory[accountID]
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	out := make([]PasswordHistoryEntry, len(history))
	copy(out, history)
	return out, nil
}

func (r *InMemoryAccountRepository) SetPasswordHistory(ctx context.Context, accountID uuid.UUID, history []PasswordHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := make([]PasswordHistoryEntry, len(history))
	copy(stored, history)
	r.passwordHistory[accountID] = stored
	return nil
}

func (r *InMemoryAccountRepository) SaveResetCode(ctx context.Context, code ResetCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetCodes[code.AccountID] = append(r.resetCodes[code.AccountID], code)
	return nil
}

func (r *InMemoryAccountRepository) ConsumeResetCode(ctx context.Context, accountID uuid.UUID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	codes := r.resetCodes[accountID]
	for i := range codes {
		if codes[i].Code != code {
			continue
		}
		if codes[i].UsedAt != nil {
			return ErrResetCodeUsed
		}
		if time.Now().After(codes[i].ExpiresAt) {
			return ErrResetCodeExpired
		}
		now := time.Now().UTC()
		codes[i].UsedAt = &now
		return nil
	}
	return ErrResetCodeNotFound
}
