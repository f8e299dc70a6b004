package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/questline-hq/questline/platform/internal/domain"
	"github.com/questline-hq/questline/platform/internal/lifecycle"
)

// memStore is an in-memory ConfigStore + AuditLog for controller tests.
// It mirrors the postgres store's commit semantics: version-checked writes
// and the audit entry landing in the same critical section as the mutation.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	challenges map[int64]*domain.Challenge
	entries    []domain.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, challenges: make(map[int64]*domain.Challenge)}
}

func cloneChallenge(ch *domain.Challenge) *domain.Challenge {
	cp := *ch
	cp.Tiers = append([]domain.ChallengeTier(nil), ch.Tiers...)
	if ch.Validation != nil {
		v := *ch.Validation
		cp.Validation = &v
	}
	return &cp
}

func (m *memStore) GetChallenge(_ context.Context, id int64) (*domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[id]
	if !ok {
		return nil, nil
	}
	return cloneChallenge(ch), nil
}

func (m *memStore) ListChallenges(_ context.Context, filter lifecycle.ListFilter) ([]domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Challenge
	for _, ch := range m.challenges {
		if filter.State != "" && string(ch.State) != filter.State {
			continue
		}
		if filter.Category != "" && ch.Category != filter.Category {
			continue
		}
		if filter.Type != "" && string(ch.Type) != filter.Type {
			continue
		}
		result = append(result, *cloneChallenge(ch))
	}
	return result, nil
}

func (m *memStore) CountChallenges(ctx context.Context, filter lifecycle.ListFilter) (int, error) {
	all, err := m.ListChallenges(ctx, filter)
	return len(all), err
}

func (m *memStore) ListOtherCodes(_ context.Context, excludeID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var codes []string
	for id, ch := range m.challenges {
		if id == excludeID {
			continue
		}
		codes = append(codes, ch.Code)
	}
	return codes, nil
}

func (m *memStore) CreateChallenge(_ context.Context, ch *domain.Challenge, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.challenges {
		if existing.Code == ch.Code {
			return fmt.Errorf("challenge %s: %w", ch.Code, domain.ErrAlreadyExists)
		}
	}

	ch.ID = m.nextID
	m.nextID++
	now := time.Now()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	for i := range ch.Tiers {
		ch.Tiers[i].ChallengeID = ch.ID
	}
	m.challenges[ch.ID] = cloneChallenge(ch)

	m.appendLocked(ch.ID, entry)
	return nil
}

func (m *memStore) UpdateChallenge(_ context.Context, ch *domain.Challenge, expectedVersion int64, entry *domain.AuditEntry) (*domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.challenges[ch.ID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return nil, fmt.Errorf("update challenge %d: %w", ch.ID, domain.ErrConflict)
	}

	updated := cloneChallenge(ch)
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now()
	updated.Validation = stored.Validation
	m.challenges[ch.ID] = updated

	m.appendLocked(ch.ID, entry)
	return cloneChallenge(updated), nil
}

func (m *memStore) SaveValidation(_ context.Context, rec *domain.ValidationRecord, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[rec.ChallengeID]
	if !ok {
		return domain.ErrNotFound
	}
	v := *rec
	ch.Validation = &v

	m.appendLocked(rec.ChallengeID, entry)
	return nil
}

func (m *memStore) Transition(_ context.Context, id, expectedVersion int64, from, to domain.ChallengeState, entry *domain.AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if ch.Version != expectedVersion {
		return 0, fmt.Errorf("transition challenge %d: %w", id, domain.ErrConflict)
	}
	if ch.State != from {
		return 0, fmt.Errorf("transition challenge %d: %w", id, domain.ErrConflict)
	}

	ch.State = to
	ch.Version = expectedVersion + 1
	ch.UpdatedAt = time.Now()

	m.appendLocked(id, entry)
	return ch.Version, nil
}

func (m *memStore) ListFor(_ context.Context, challengeID int64) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.AuditEntry
	for _, e := range m.entries {
		if e.ChallengeID == challengeID {
			result = append(result, e)
		}
	}
	return result, nil
}

// appendLocked stamps and stores an audit entry. Caller must hold m.mu.
func (m *memStore) appendLocked(challengeID int64, entry *domain.AuditEntry) {
	entry.ID = uuid.New()
	entry.ChallengeID = challengeID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, *entry)
}
