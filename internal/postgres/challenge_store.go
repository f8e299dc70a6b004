package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/questline-hq/questline/platform/internal/domain"
	"github.com/questline-hq/questline/platform/internal/lifecycle"
)

// challengeColumns is the full column list for challenge queries.
const challengeColumns = `id, code, name, category, type, short_description, long_description,
	metric_type, metric_source, metric_key, metric_aggregation, metric_filters,
	tiering_mode, tier_config, is_cluster_based, is_test_only, is_visible_fe,
	is_active, sort_order, state, version, created_by, updated_by, created_at, updated_at`

// ChallengeStore implements lifecycle.ConfigStore backed by Postgres.
//
// Every mutating method runs its challenge write and its audit entry in one
// transaction, so a crash can never leave a state change without its audit
// trail. Version-checked writes use `WHERE version = $n` so of two concurrent
// writers reading the same version exactly one commits.
type ChallengeStore struct {
	pool *pgxpool.Pool
}

// NewChallengeStore creates a ChallengeStore backed by the given pool.
func NewChallengeStore(pool *pgxpool.Pool) *ChallengeStore {
	return &ChallengeStore{pool: pool}
}

func (s *ChallengeStore) GetChallenge(ctx context.Context, id int64) (*domain.Challenge, error) {
	ch, err := scanChallenge(s.pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &domain.StorageError{Op: "get challenge", Err: err}
	}

	if err := s.loadTiers(ctx, ch); err != nil {
		return nil, err
	}
	if err := s.loadValidation(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// challengeWhereClause builds the shared WHERE clause and args for challenge
// list/count queries.
func challengeWhereClause(filter lifecycle.ListFilter) (string, []interface{}, int) {
	where := ""
	args := []interface{}{}
	argN := 1

	add := func(cond string, val interface{}) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(cond, argN)
		args = append(args, val)
		argN++
	}

	if filter.State != "" {
		add("state = $%d", filter.State)
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	return where, args, argN
}

func (s *ChallengeStore) ListChallenges(ctx context.Context, filter lifecycle.ListFilter) ([]domain.Challenge, error) {
	where, args, argN := challengeWhereClause(filter)
	query := `SELECT ` + challengeColumns + ` FROM challenges` + where + ` ORDER BY sort_order, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "list challenges", Err: err}
	}
	defer rows.Close()

	var result []domain.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "scan challenge", Err: err}
		}
		result = append(result, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "iterate challenges", Err: err}
	}

	for i := range result {
		if err := s.loadTiers(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *ChallengeStore) CountChallenges(ctx context.Context, filter lifecycle.ListFilter) (int, error) {
	where, args, _ := challengeWhereClause(filter)

	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM challenges`+where, args...).Scan(&count)
	if err != nil {
		return 0, &domain.StorageError{Op: "count challenges", Err: err}
	}
	return count, nil
}

func (s *ChallengeStore) ListOtherCodes(ctx context.Context, excludeID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT code FROM challenges WHERE id <> $1`, excludeID)
	if err != nil {
		return nil, &domain.StorageError{Op: "list challenge codes", Err: err}
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, &domain.StorageError{Op: "scan challenge code", Err: err}
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "iterate challenge codes", Err: err}
	}
	return codes, nil
}

func (s *ChallengeStore) CreateChallenge(ctx context.Context, ch *domain.Challenge, entry *domain.AuditEntry) error {
	filtersJSON, configJSON, err := marshalConfigMaps(ch)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &domain.StorageError{Op: "begin create tx", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	err = tx.QueryRow(ctx,
		`INSERT INTO challenges (code, name, category, type, short_description, long_description,
			metric_type, metric_source, metric_key, metric_aggregation, metric_filters,
			tiering_mode, tier_config, is_cluster_based, is_test_only, is_visible_fe,
			is_active, sort_order, state, version, created_by, updated_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, 0, $20, $20)
		 RETURNING id, created_at, updated_at`,
		ch.Code, ch.Name, ch.Category, string(ch.Type), ch.ShortDescription, ch.LongDescription,
		string(ch.MetricType), string(ch.MetricSource), ch.MetricKey, string(ch.MetricAggregation), filtersJSON,
		string(ch.TieringMode), configJSON, ch.IsClusterBased, ch.IsTestOnly, ch.IsVisibleFe,
		ch.IsActive, ch.SortOrder, string(domain.StateDraft), ch.CreatedBy,
	).Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("challenge %s: %w", ch.Code, domain.ErrAlreadyExists)
		}
		return &domain.StorageError{Op: "insert challenge", Err: err}
	}
	ch.State = domain.StateDraft
	ch.Version = 0

	if err := insertTiersTx(ctx, tx, ch); err != nil {
		return err
	}

	entry.ChallengeID = ch.ID
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &domain.StorageError{Op: "commit create tx", Err: err}
	}
	return nil
}

func (s *ChallengeStore) UpdateChallenge(ctx context.Context, ch *domain.Challenge, expectedVersion int64, entry *domain.AuditEntry) (*domain.Challenge, error) {
	filtersJSON, configJSON, err := marshalConfigMaps(ch)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "begin update tx", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	updated, err := scanChallenge(tx.QueryRow(ctx,
		`UPDATE challenges SET
			name = $3, category = $4, type = $5, short_description = $6, long_description = $7,
			metric_type = $8, metric_source = $9, metric_key = $10, metric_aggregation = $11,
			metric_filters = $12, tiering_mode = $13, tier_config = $14, is_cluster_based = $15,
			is_test_only = $16, is_visible_fe = $17, is_active = $18, sort_order = $19,
			updated_by = $20, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING `+challengeColumns,
		ch.ID, expectedVersion,
		ch.Name, ch.Category, string(ch.Type), ch.ShortDescription, ch.LongDescription,
		string(ch.MetricType), string(ch.MetricSource), ch.MetricKey, string(ch.MetricAggregation),
		filtersJSON, string(ch.TieringMode), configJSON, ch.IsClusterBased,
		ch.IsTestOnly, ch.IsVisibleFe, ch.IsActive, ch.SortOrder,
		ch.UpdatedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.versionMissErr(ctx, tx, ch.ID, "update challenge")
		}
		return nil, &domain.StorageError{Op: "update challenge", Err: err}
	}

	// Tier replacement is part of the same commit, so a rejected version
	// check above also voids the tier rewrite.
	if _, err := tx.Exec(ctx, `DELETE FROM challenge_tiers WHERE challenge_id = $1`, ch.ID); err != nil {
		return nil, &domain.StorageError{Op: "clear tiers", Err: err}
	}
	updated.Tiers = ch.Tiers
	if err := insertTiersTx(ctx, tx, updated); err != nil {
		return nil, err
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &domain.StorageError{Op: "commit update tx", Err: err}
	}

	if err := s.loadValidation(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ChallengeStore) SaveValidation(ctx context.Context, rec *domain.ValidationRecord, entry *domain.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &domain.StorageError{Op: "begin validation tx", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`INSERT INTO validation_records (challenge_id, has_metric_source, field_valid,
			has_tier_config, code_unique, etl_output_verified, copy_approved, last_run_at, last_run_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (challenge_id) DO UPDATE SET
			has_metric_source = EXCLUDED.has_metric_source,
			field_valid = EXCLUDED.field_valid,
			has_tier_config = EXCLUDED.has_tier_config,
			code_unique = EXCLUDED.code_unique,
			etl_output_verified = EXCLUDED.etl_output_verified,
			copy_approved = EXCLUDED.copy_approved,
			last_run_at = EXCLUDED.last_run_at,
			last_run_by = EXCLUDED.last_run_by`,
		rec.ChallengeID,
		rec.AutoChecks.HasMetricSource, rec.AutoChecks.FieldValid,
		rec.AutoChecks.HasTierConfig, rec.AutoChecks.CodeUnique,
		rec.ManualChecks.EtlOutputVerified, rec.ManualChecks.CopyApproved,
		rec.LastRunAt, rec.LastRunBy)
	if err != nil {
		return &domain.StorageError{Op: "save validation record", Err: err}
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &domain.StorageError{Op: "commit validation tx", Err: err}
	}
	return nil
}

func (s *ChallengeStore) Transition(ctx context.Context, id, expectedVersion int64, from, to domain.ChallengeState, entry *domain.AuditEntry) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &domain.StorageError{Op: "begin transition tx", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var newVersion int64
	err = tx.QueryRow(ctx,
		`UPDATE challenges SET state = $4, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2 AND state = $3
		 RETURNING version`,
		id, expectedVersion, string(from), string(to)).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, s.versionMissErr(ctx, tx, id, "transition challenge")
		}
		return 0, &domain.StorageError{Op: "transition challenge", Err: err}
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &domain.StorageError{Op: "commit transition tx", Err: err}
	}
	return newVersion, nil
}

// versionMissErr distinguishes a stale version from a missing row after a
// version-guarded UPDATE matched nothing.
func (s *ChallengeStore) versionMissErr(ctx context.Context, tx pgx.Tx, id int64, op string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM challenges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return &domain.StorageError{Op: op, Err: err}
	}
	if !exists {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%s %d: %w", op, id, domain.ErrConflict)
}

// loadTiers fills ch.Tiers ordered by sort order.
func (s *ChallengeStore) loadTiers(ctx context.Context, ch *domain.Challenge) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, challenge_id, tier_code, display_name, threshold_value, is_prestige, sort_order
		 FROM challenge_tiers WHERE challenge_id = $1 ORDER BY sort_order`, ch.ID)
	if err != nil {
		return &domain.StorageError{Op: "list tiers", Err: err}
	}
	defer rows.Close()

	ch.Tiers = nil
	for rows.Next() {
		var t domain.ChallengeTier
		if err := rows.Scan(&t.ID, &t.ChallengeID, &t.TierCode, &t.DisplayName,
			&t.ThresholdValue, &t.IsPrestige, &t.SortOrder); err != nil {
			return &domain.StorageError{Op: "scan tier", Err: err}
		}
		ch.Tiers = append(ch.Tiers, t)
	}
	if err := rows.Err(); err != nil {
		return &domain.StorageError{Op: "iterate tiers", Err: err}
	}
	return nil
}

// loadValidation fills ch.Validation, leaving it nil when no run exists yet.
func (s *ChallengeStore) loadValidation(ctx context.Context, ch *domain.Challenge) error {
	var rec domain.ValidationRecord
	err := s.pool.QueryRow(ctx,
		`SELECT challenge_id, has_metric_source, field_valid, has_tier_config, code_unique,
			etl_output_verified, copy_approved, last_run_at, last_run_by
		 FROM validation_records WHERE challenge_id = $1`, ch.ID).Scan(
		&rec.ChallengeID,
		&rec.AutoChecks.HasMetricSource, &rec.AutoChecks.FieldValid,
		&rec.AutoChecks.HasTierConfig, &rec.AutoChecks.CodeUnique,
		&rec.ManualChecks.EtlOutputVerified, &rec.ManualChecks.CopyApproved,
		&rec.LastRunAt, &rec.LastRunBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			ch.Validation = nil
			return nil
		}
		return &domain.StorageError{Op: "get validation record", Err: err}
	}
	ch.Validation = &rec
	return nil
}

// insertTiersTx inserts ch.Tiers inside the given transaction.
func insertTiersTx(ctx context.Context, tx pgx.Tx, ch *domain.Challenge) error {
	for i := range ch.Tiers {
		t := &ch.Tiers[i]
		t.ChallengeID = ch.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO challenge_tiers (challenge_id, tier_code, display_name, threshold_value, is_prestige, sort_order)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			t.ChallengeID, t.TierCode, t.DisplayName, t.ThresholdValue, t.IsPrestige, t.SortOrder,
		).Scan(&t.ID)
		if err != nil {
			return &domain.StorageError{Op: "insert tier " + t.TierCode, Err: err}
		}
	}
	return nil
}

// marshalConfigMaps serializes the structured config maps for JSONB columns.
// Nil maps become empty objects so the columns stay NOT NULL.
func marshalConfigMaps(ch *domain.Challenge) ([]byte, []byte, error) {
	filters := ch.MetricFilters
	if filters == nil {
		filters = map[string]string{}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal metric filters: %w", err)
	}

	config := ch.TierConfig
	if config == nil {
		config = map[string]string{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tier config: %w", err)
	}
	return filtersJSON, configJSON, nil
}

// scanChallenge scans a single challenge row (without tiers or validation).
func scanChallenge(row pgx.Row) (*domain.Challenge, error) {
	var (
		ch                       domain.Challenge
		typ, metricType          string
		metricSource, metricAgg  string
		tieringMode, state       string
		filtersJSON, configJSON  []byte
	)

	err := row.Scan(&ch.ID, &ch.Code, &ch.Name, &ch.Category, &typ,
		&ch.ShortDescription, &ch.LongDescription,
		&metricType, &metricSource, &ch.MetricKey, &metricAgg, &filtersJSON,
		&tieringMode, &configJSON, &ch.IsClusterBased, &ch.IsTestOnly, &ch.IsVisibleFe,
		&ch.IsActive, &ch.SortOrder, &state, &ch.Version, &ch.CreatedBy, &ch.UpdatedBy,
		&ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}

	ch.Type = domain.ChallengeType(typ)
	ch.MetricType = domain.MetricType(metricType)
	ch.MetricSource = domain.MetricSource(metricSource)
	ch.MetricAggregation = domain.MetricAggregation(metricAgg)
	ch.TieringMode = domain.TieringMode(tieringMode)
	ch.State = domain.ChallengeState(state)

	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &ch.MetricFilters); err != nil {
			return nil, fmt.Errorf("unmarshal metric_filters: %w", err)
		}
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &ch.TierConfig); err != nil {
			return nil, fmt.Errorf("unmarshal tier_config: %w", err)
		}
	}
	if len(ch.MetricFilters) == 0 {
		ch.MetricFilters = nil
	}
	if len(ch.TierConfig) == 0 {
		ch.TierConfig = nil
	}
	return &ch, nil
}
