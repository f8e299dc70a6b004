package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/questline-hq/questline/platform/internal/api"
	"github.com/questline-hq/questline/platform/internal/domain"
	"github.com/questline-hq/questline/platform/internal/lifecycle"
)

// memoryStore is an in-memory lifecycle.ConfigStore + AuditLog for handler
// tests. Version-checked writes and audit appends share one critical section,
// matching the postgres store's commit semantics.
type memoryStore struct {
	mu         sync.Mutex
	nextID     int64
	challenges map[int64]*domain.Challenge
	entries    []domain.AuditEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{nextID: 1, challenges: make(map[int64]*domain.Challenge)}
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

func (m *memoryStore) GetChallenge(_ context.Context, id int64) (*domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[id]
	if !ok {
		return nil, nil
	}
	return cloneChallenge(ch), nil
}

func (m *memoryStore) filteredLocked(filter lifecycle.ListFilter) []domain.Challenge {
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
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *memoryStore) ListChallenges(_ context.Context, filter lifecycle.ListFilter) ([]domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.filteredLocked(filter)
	if filter.Limit > 0 {
		if filter.Offset >= len(result) {
			return []domain.Challenge{}, nil
		}
		end := filter.Offset + filter.Limit
		if end > len(result) {
			end = len(result)
		}
		result = result[filter.Offset:end]
	}
	return result, nil
}

func (m *memoryStore) CountChallenges(_ context.Context, filter lifecycle.ListFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.filteredLocked(filter)), nil
}

func (m *memoryStore) ListOtherCodes(_ context.Context, excludeID int64) ([]string, error) {
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

func (m *memoryStore) CreateChallenge(_ context.Context, ch *domain.Challenge, entry *domain.AuditEntry) error {
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

func (m *memoryStore) UpdateChallenge(_ context.Context, ch *domain.Challenge, expectedVersion int64, entry *domain.AuditEntry) (*domain.Challenge, error) {
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

func (m *memoryStore) SaveValidation(_ context.Context, rec *domain.ValidationRecord, entry *domain.AuditEntry) error {
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

func (m *memoryStore) Transition(_ context.Context, id, expectedVersion int64, from, to domain.ChallengeState, entry *domain.AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if ch.Version != expectedVersion || ch.State != from {
		return 0, fmt.Errorf("transition challenge %d: %w", id, domain.ErrConflict)
	}

	ch.State = to
	ch.Version = expectedVersion + 1
	ch.UpdatedAt = time.Now()

	m.appendLocked(id, entry)
	return ch.Version, nil
}

func (m *memoryStore) ListFor(_ context.Context, challengeID int64) ([]domain.AuditEntry, error) {
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
func (m *memoryStore) appendLocked(challengeID int64, entry *domain.AuditEntry) {
	entry.ID = uuid.New()
	entry.ChallengeID = challengeID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, *entry)
}

// newTestServer wires a real lifecycle controller over a memory store behind
// the full router, so handler tests exercise the same middleware chain and
// error mapping production uses.
func newTestServer(t *testing.T) (*httptest.Server, *memoryStore) {
	t.Helper()

	store := newMemoryStore()
	srv := &api.Server{
		Challenges: lifecycle.New(store, store),
	}
	ts := httptest.NewServer(api.NewRouter(srv))
	t.Cleanup(ts.Close)
	return ts, store
}

// doJSON issues a request with a JSON body and the given actor header.
func doJSON(t *testing.T, ts *httptest.Server, method, path, actor string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// decodeJSON decodes the response body into out and closes it.
func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// createDraft posts a minimal valid challenge and returns its decoded body.
func createDraft(t *testing.T, ts *httptest.Server, code string) domain.Challenge {
	t.Helper()

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/challenges", "designer@test", api.CreateChallengeRequest{
		Code:              code,
		Name:              "Headshot Streak",
		Category:          "combat",
		Type:              "tiered",
		MetricType:        "integer",
		MetricSource:      "gameplay_events",
		MetricKey:         "headshots",
		MetricAggregation: "count",
		TieringMode:       "threshold",
		Tiers: []api.TierRequest{
			{TierCode: "bronze", DisplayName: "Bronze", ThresholdValue: 10, SortOrder: 1},
			{TierCode: "silver", DisplayName: "Silver", ThresholdValue: 50, SortOrder: 2},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ch domain.Challenge
	decodeJSON(t, resp, &ch)
	return ch
}

// apiErrorOf decodes the structured error envelope from a response.
func apiErrorOf(t *testing.T, resp *http.Response) api.APIErrorDetail {
	t.Helper()

	var envelope api.APIError
	decodeJSON(t, resp, &envelope)
	return envelope.Error
}
