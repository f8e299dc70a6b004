package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/questline-hq/questline/platform/internal/domain"
	"github.com/questline-hq/questline/platform/internal/lifecycle"
)

// ChallengeService is the lifecycle surface the handlers drive.
// Implemented by lifecycle.Controller.
type ChallengeService interface {
	Create(ctx context.Context, req lifecycle.CreateRequest, actor string) (*domain.Challenge, error)
	Get(ctx context.Context, id int64) (*domain.Challenge, error)
	List(ctx context.Context, filter lifecycle.ListFilter) ([]domain.Challenge, int, error)
	ApplyEdit(ctx context.Context, id int64, patch lifecycle.EditPatch, actor string, expectedVersion int64) (*domain.Challenge, error)
	RunValidation(ctx context.Context, id int64, manual domain.ManualChecks, actor string) (*domain.ValidationRecord, error)
	RequestTransition(ctx context.Context, id int64, target domain.ChallengeState, actor string, expectedVersion int64) (*lifecycle.TransitionResult, error)
	GetAuditLog(ctx context.Context, id int64) ([]domain.AuditEntry, error)
}

// CreateChallengeRequest is the JSON body for POST /api/v1/challenges.
type CreateChallengeRequest struct {
	Code             string `json:"code"`
	Name             string `json:"name"`
	Category         string `json:"category"`
	Type             string `json:"type"`
	ShortDescription string `json:"short_description"`
	LongDescription  string `json:"long_description"`

	MetricType        string            `json:"metric_type"`
	MetricSource      string            `json:"metric_source"`
	MetricKey         string            `json:"metric_key"`
	MetricAggregation string            `json:"metric_aggregation"`
	MetricFilters     map[string]string `json:"metric_filters"`

	TieringMode    string            `json:"tiering_mode"`
	TierConfig     map[string]string `json:"tier_config"`
	IsClusterBased bool              `json:"is_cluster_based"`

	IsTestOnly  bool `json:"is_test_only"`
	IsVisibleFe bool `json:"is_visible_fe"`
	IsActive    bool `json:"is_active"`
	SortOrder   int  `json:"sort_order"`

	Tiers []TierRequest `json:"tiers"`
}

// TierRequest is the JSON shape for a tier inside create and update bodies.
type TierRequest struct {
	TierCode       string  `json:"tier_code"`
	DisplayName    string  `json:"display_name"`
	ThresholdValue float64 `json:"threshold_value"`
	IsPrestige     bool    `json:"is_prestige"`
	SortOrder      int     `json:"sort_order"`
}

// UpdateChallengeRequest is the JSON body for PUT /api/v1/challenges/{id}.
// All fields are optional pointers; absent fields are left untouched.
// ExpectedVersion is mandatory: blind writes are not allowed.
type UpdateChallengeRequest struct {
	ExpectedVersion *int64 `json:"expected_version"`

	Name             *string `json:"name"`
	Category         *string `json:"category"`
	Type             *string `json:"type"`
	ShortDescription *string `json:"short_description"`
	LongDescription  *string `json:"long_description"`

	MetricType        *string            `json:"metric_type"`
	MetricSource      *string            `json:"metric_source"`
	MetricKey         *string            `json:"metric_key"`
	MetricAggregation *string            `json:"metric_aggregation"`
	MetricFilters     *map[string]string `json:"metric_filters"`

	TieringMode    *string            `json:"tiering_mode"`
	TierConfig     *map[string]string `json:"tier_config"`
	IsClusterBased *bool              `json:"is_cluster_based"`

	IsTestOnly  *bool `json:"is_test_only"`
	IsVisibleFe *bool `json:"is_visible_fe"`
	IsActive    *bool `json:"is_active"`
	SortOrder   *int  `json:"sort_order"`

	Tiers *[]TierRequest `json:"tiers"`
}

// TransitionRequest is the JSON body for POST /api/v1/challenges/{id}/transition.
type TransitionRequest struct {
	TargetState     string `json:"target_state"`
	ExpectedVersion *int64 `json:"expected_version"`
}

// ValidationRunRequest is the JSON body for POST /api/v1/challenges/{id}/validation.
// Manual check flags are attested by the operator; automated checks are
// recomputed server-side regardless of what the client sends.
type ValidationRunRequest struct {
	ManualChecks domain.ManualChecks `json:"manual_checks"`
}

// MountChallengeRoutes registers challenge lifecycle endpoints on the router.
func MountChallengeRoutes(r chi.Router, srv *Server) {
	r.Get("/challenges", srv.HandleListChallenges)
	r.Post("/challenges", srv.HandleCreateChallenge)
	r.Get("/challenges/{id}", srv.HandleGetChallenge)
	r.Put("/challenges/{id}", srv.HandleUpdateChallenge)
	r.Post("/challenges/{id}/validation", srv.HandleRunValidation)
	r.Post("/challenges/{id}/transition", srv.HandleTransition)
	r.Get("/challenges/{id}/audit", srv.HandleChallengeAudit)
}

// challengeID parses the {id} path parameter. Returns 0 and writes a 400 on
// a malformed value.
func challengeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		errorJSON(w, "id must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// requireActor extracts the X-Actor header, writing a 400 when absent.
// Every mutation is attributed; anonymous writes would leave audit holes.
func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorFromRequest(r)
	if actor == "" {
		errorJSON(w, "X-Actor header is required for mutations", "MISSING_ACTOR", http.StatusBadRequest)
		return "", false
	}
	return actor, true
}

// HandleListChallenges returns challenges filtered by state, category, and type.
// Pagination is pushed to SQL via LIMIT/OFFSET.
func (s *Server) HandleListChallenges(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	if st := r.URL.Query().Get("state"); st != "" && !domain.ValidState(st) {
		errorJSON(w, "state must be draft, validated, deployed, or deprecated", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	filter := lifecycle.ListFilter{
		State:    r.URL.Query().Get("state"),
		Category: r.URL.Query().Get("category"),
		Type:     r.URL.Query().Get("type"),
		Limit:    limit,
		Offset:   offset,
	}

	challenges, total, err := s.Challenges.List(r.Context(), filter)
	if err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenges": challenges,
		"total":      total,
	})
}

// HandleGetChallenge returns a single challenge with tiers and its latest
// validation record. Results are cached; mutations invalidate.
func (s *Server) HandleGetChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}

	if s.ChallengeCache != nil {
		if cached, ok := s.ChallengeCache.Get(id); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	ch, err := s.Challenges.Get(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}

	if s.ChallengeCache != nil {
		s.ChallengeCache.Set(id, ch)
	}

	writeJSON(w, http.StatusOK, ch)
}

// HandleCreateChallenge creates a new challenge in draft state.
func (s *Server) HandleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if req.Code == "" {
		errorJSON(w, "code is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !validCode(req.Code) {
		errorJSON(w, "code must be a lowercase slug (a-z, 0-9, hyphens, underscores; must start with a letter)", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.ShortDescription) > maxDescriptionLength || len(req.LongDescription) > maxDescriptionLength {
		errorJSON(w, fmt.Sprintf("description too long (max %d chars)", maxDescriptionLength), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	create := lifecycle.CreateRequest{
		Code:             req.Code,
		Name:             req.Name,
		Category:         req.Category,
		Type:             domain.ChallengeType(req.Type),
		ShortDescription: req.ShortDescription,
		LongDescription:  req.LongDescription,

		MetricType:        domain.MetricType(req.MetricType),
		MetricSource:      domain.MetricSource(req.MetricSource),
		MetricKey:         req.MetricKey,
		MetricAggregation: domain.MetricAggregation(req.MetricAggregation),
		MetricFilters:     req.MetricFilters,

		TieringMode:    domain.TieringMode(req.TieringMode),
		TierConfig:     req.TierConfig,
		IsClusterBased: req.IsClusterBased,

		IsTestOnly:  req.IsTestOnly,
		IsVisibleFe: req.IsVisibleFe,
		IsActive:    req.IsActive,
		SortOrder:   req.SortOrder,

		Tiers: tiersFromRequest(req.Tiers),
	}

	ch, err := s.Challenges.Create(r.Context(), create, actor)
	if err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ch)
}

// HandleUpdateChallenge applies a partial edit to a draft or validated
// challenge. The body must carry expected_version; a stale version gets 409.
func (s *Server) HandleUpdateChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req UpdateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ExpectedVersion == nil {
		errorJSON(w, "expected_version is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ShortDescription != nil && len(*req.ShortDescription) > maxDescriptionLength {
		errorJSON(w, fmt.Sprintf("description too long (max %d chars)", maxDescriptionLength), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.LongDescription != nil && len(*req.LongDescription) > maxDescriptionLength {
		errorJSON(w, fmt.Sprintf("description too long (max %d chars)", maxDescriptionLength), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	patch := lifecycle.EditPatch{
		Name:             req.Name,
		Category:         req.Category,
		ShortDescription: req.ShortDescription,
		LongDescription:  req.LongDescription,
		MetricKey:        req.MetricKey,
		MetricFilters:    req.MetricFilters,
		TierConfig:       req.TierConfig,
		IsClusterBased:   req.IsClusterBased,
		IsTestOnly:       req.IsTestOnly,
		IsVisibleFe:      req.IsVisibleFe,
		IsActive:         req.IsActive,
		SortOrder:        req.SortOrder,
	}
	if req.Type != nil {
		t := domain.ChallengeType(*req.Type)
		patch.Type = &t
	}
	if req.MetricType != nil {
		mt := domain.MetricType(*req.MetricType)
		patch.MetricType = &mt
	}
	if req.MetricSource != nil {
		ms := domain.MetricSource(*req.MetricSource)
		patch.MetricSource = &ms
	}
	if req.MetricAggregation != nil {
		agg := domain.MetricAggregation(*req.MetricAggregation)
		patch.MetricAggregation = &agg
	}
	if req.TieringMode != nil {
		tm := domain.TieringMode(*req.TieringMode)
		patch.TieringMode = &tm
	}
	if req.Tiers != nil {
		tiers := tiersFromRequest(*req.Tiers)
		patch.Tiers = &tiers
	}

	ch, err := s.Challenges.ApplyEdit(r.Context(), id, patch, actor, *req.ExpectedVersion)
	if err != nil {
		domainError(w, err)
		return
	}

	s.invalidateChallenge(id)
	writeJSON(w, http.StatusOK, ch)
}

// HandleRunValidation runs the validation suite against the challenge's
// current configuration and persists the resulting record.
func (s *Server) HandleRunValidation(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req ValidationRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	rec, err := s.Challenges.RunValidation(r.Context(), id, req.ManualChecks, actor)
	if err != nil {
		domainError(w, err)
		return
	}

	s.invalidateChallenge(id)
	writeJSON(w, http.StatusOK, rec)
}

// HandleTransition moves a challenge along the lifecycle state machine.
// Gate failures come back as 422 with the failing check names listed.
func (s *Server) HandleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidState(req.TargetState) {
		errorJSON(w, "target_state must be draft, validated, deployed, or deprecated", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ExpectedVersion == nil {
		errorJSON(w, "expected_version is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	res, err := s.Challenges.RequestTransition(r.Context(), id, domain.ChallengeState(req.TargetState), actor, *req.ExpectedVersion)
	if err != nil {
		domainError(w, err)
		return
	}

	s.invalidateChallenge(id)
	writeJSON(w, http.StatusOK, res)
}

// HandleChallengeAudit returns the full audit history for a challenge in
// commit order.
func (s *Server) HandleChallengeAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}

	entries, err := s.Challenges.GetAuditLog(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// invalidateChallenge drops the cached entry for id after a mutation.
func (s *Server) invalidateChallenge(id int64) {
	if s.ChallengeCache != nil {
		s.ChallengeCache.Delete(id)
	}
}

// tiersFromRequest converts the wire tier shape to the domain shape.
func tiersFromRequest(in []TierRequest) []domain.ChallengeTier {
	if in == nil {
		return nil
	}
	out := make([]domain.ChallengeTier, len(in))
	for i, t := range in {
		out[i] = domain.ChallengeTier{
			TierCode:       t.TierCode,
			DisplayName:    t.DisplayName,
			ThresholdValue: t.ThresholdValue,
			IsPrestige:     t.IsPrestige,
			SortOrder:      t.SortOrder,
		}
	}
	return out
}
