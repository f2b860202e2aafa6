package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/enginerr"
)

// UseCaseRepository persists UseCase aggregates and their state history.
type UseCaseRepository struct {
	pool *pgxpool.Pool
}

func NewUseCaseRepository(pool *pgxpool.Pool) *UseCaseRepository {
	return &UseCaseRepository{pool: pool}
}

// LoadedUseCase carries the state machine together with the optimistic
// concurrency bookkeeping (the version at load time, and the history
// length at load time, used by SaveStateMachine to decide whether a new
// tail history row needs inserting).
type LoadedUseCase struct {
	UseCase          *domain.UseCase
	Machine          *domain.StateMachine[domain.UseCaseState]
	loadedVersion    int64
	loadedHistoryLen int
}

// Create inserts a brand-new use case in its initial state, TEMPLATE_GENERATION.
func (r *UseCaseRepository) Create(ctx context.Context, name, teamEmail string) (*domain.UseCase, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	uc := &domain.UseCase{
		ID:        id,
		Name:      name,
		TeamEmail: teamEmail,
		State:     domain.UseCaseTemplateGeneration,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO use_cases (id, name, team_email, state, quality_issues_json, evaluation_results_json, metadata_json, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'[]','{}','{}',$5,$6,$7)`,
		uc.ID, uc.Name, uc.TeamEmail, string(uc.State), uc.Version, uc.CreatedAt, uc.UpdatedAt,
	)
	if err != nil {
		return nil, wrapTransient("create use case", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO use_case_state_history (use_case_id, from_state, to_state, triggered_by, trigger_reason, additional_data_json, timestamp)
		VALUES ($1,'',$2,'system','use case created','{}',$3)`,
		uc.ID, string(uc.State), uc.CreatedAt,
	)
	if err != nil {
		return nil, wrapTransient("record initial history", err)
	}
	return uc, nil
}

// Get fetches a use case's current row without its history.
func (r *UseCaseRepository) Get(ctx context.Context, id string) (*domain.UseCase, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, team_email, state, COALESCE(config_file_key, ''), COALESCE(dataset_file_key, ''),
		       quality_issues_json, evaluation_results_json, metadata_json, version, created_at, updated_at
		FROM use_cases WHERE id = $1`, id)

	var uc domain.UseCase
	var qiJSON, erJSON, mdJSON []byte
	err := row.Scan(&uc.ID, &uc.Name, &uc.TeamEmail, &uc.State, &uc.ConfigFileKey, &uc.DatasetFileKey,
		&qiJSON, &erJSON, &mdJSON, &uc.Version, &uc.CreatedAt, &uc.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(fmt.Sprintf("get use case %s", id), err)
	}
	_ = json.Unmarshal(qiJSON, &uc.QualityIssues)
	_ = json.Unmarshal(erJSON, &uc.EvaluationResults)
	_ = json.Unmarshal(mdJSON, &uc.Metadata)
	return &uc, nil
}

// List returns use cases, optionally filtered by state.
func (r *UseCaseRepository) List(ctx context.Context, state domain.UseCaseState) ([]*domain.UseCase, error) {
	var rows pgx.Rows
	var err error
	if state == "" {
		rows, err = r.pool.Query(ctx, `SELECT id, name, team_email, state, created_at, updated_at FROM use_cases ORDER BY created_at ASC`)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT id, name, team_email, state, created_at, updated_at FROM use_cases WHERE state = $1 ORDER BY created_at ASC`, string(state))
	}
	if err != nil {
		return nil, wrapTransient("list use cases", err)
	}
	defer rows.Close()

	var out []*domain.UseCase
	for rows.Next() {
		uc := &domain.UseCase{}
		if err := rows.Scan(&uc.ID, &uc.Name, &uc.TeamEmail, &uc.State, &uc.CreatedAt, &uc.UpdatedAt); err != nil {
			return nil, wrapTransient("scan use case", err)
		}
		out = append(out, uc)
	}
	return out, wrapTransient("iterate use cases", rows.Err())
}

// LoadStateMachine reconstructs a UseCaseState machine with full history.
// It returns Corruption if the persisted history's tail doesn't match the
// aggregate row's current state.
func (r *UseCaseRepository) LoadStateMachine(ctx context.Context, id string) (*LoadedUseCase, error) {
	row := r.pool.QueryRow(ctx, `SELECT state, version, created_at FROM use_cases WHERE id = $1`, id)
	var state string
	var version int64
	var createdAt time.Time
	if err := row.Scan(&state, &version, &createdAt); err != nil {
		return nil, wrapNotFound(fmt.Sprintf("load use case %s", id), err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT from_state, to_state, triggered_by, trigger_reason, additional_data_json, timestamp
		FROM use_case_state_history WHERE use_case_id = $1 ORDER BY timestamp ASC`, id)
	if err != nil {
		return nil, wrapTransient("load use case history", err)
	}
	defer rows.Close()

	var history []domain.HistoryEntry[domain.UseCaseState]
	for rows.Next() {
		var from, to, triggeredBy, reason string
		var dataJSON []byte
		var ts time.Time
		if err := rows.Scan(&from, &to, &triggeredBy, &reason, &dataJSON, &ts); err != nil {
			return nil, wrapTransient("scan use case history", err)
		}
		var data map[string]any
		_ = json.Unmarshal(dataJSON, &data)
		history = append(history, domain.HistoryEntry[domain.UseCaseState]{
			From: domain.UseCaseState(from), To: domain.UseCaseState(to),
			TriggeredBy: triggeredBy, TriggerReason: reason, AdditionalData: data, Timestamp: ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransient("iterate use case history", err)
	}
	if len(history) == 0 {
		history = []domain.HistoryEntry[domain.UseCaseState]{{To: domain.UseCaseState(state), Timestamp: createdAt}}
	}
	if history[len(history)-1].To != domain.UseCaseState(state) {
		return nil, fmt.Errorf("use case %s: history tail %v does not match current state %v: %w", id, history[len(history)-1].To, state, enginerr.ErrCorruption)
	}

	machine := domain.RestoreUseCaseStateMachine(id, domain.UseCaseState(state), history)
	return &LoadedUseCase{
		UseCase:          &domain.UseCase{ID: id, State: domain.UseCaseState(state), Version: version, CreatedAt: createdAt},
		Machine:          machine,
		loadedVersion:    version,
		loadedHistoryLen: len(history),
	}, nil
}

// SaveStateMachine persists a mutated machine atomically: it updates the
// aggregate row under optimistic concurrency (version compare-and-set) and,
// if the in-memory history has grown since load, inserts the new tail
// rows. On a version conflict it returns StaleWrite and the caller must
// reload.
func (r *UseCaseRepository) SaveStateMachine(ctx context.Context, loaded *LoadedUseCase) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return wrapTransient("begin save", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE use_cases SET state = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND version = $4`,
		string(loaded.Machine.Current()), time.Now().UTC(), loaded.Machine.AggregateID, loaded.loadedVersion,
	)
	if err != nil {
		return wrapTransient("update use case", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, loaded.Machine.AggregateID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("use case %s: version %d is stale: %w", loaded.Machine.AggregateID, loaded.loadedVersion, enginerr.ErrStaleWrite)
	}

	history := loaded.Machine.History()
	for _, h := range history[loaded.loadedHistoryLen:] {
		dataJSON, _ := json.Marshal(h.AdditionalData)
		if _, err := tx.Exec(ctx, `
			INSERT INTO use_case_state_history (use_case_id, from_state, to_state, triggered_by, trigger_reason, additional_data_json, timestamp)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			loaded.Machine.AggregateID, string(h.From), string(h.To), h.TriggeredBy, h.TriggerReason, dataJSON, h.Timestamp,
		); err != nil {
			return wrapTransient("insert use case history", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapTransient("commit save", err)
	}
	loaded.loadedVersion++
	loaded.loadedHistoryLen = len(history)
	return nil
}

// SetConfigFileKey updates the config_file_key column without touching state.
func (r *UseCaseRepository) SetConfigFileKey(ctx context.Context, id, key string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE use_cases SET config_file_key = $1, updated_at = $2 WHERE id = $3`, key, time.Now().UTC(), id)
	if err != nil {
		return wrapTransient("set config file key", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("use case %s: %w", id, enginerr.ErrNotFound)
	}
	return nil
}

// FindByState returns ids of use cases currently in the given state.
func (r *UseCaseRepository) FindByState(ctx context.Context, state domain.UseCaseState) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM use_cases WHERE state = $1`, string(state))
	if err != nil {
		return nil, wrapTransient("find by state", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapTransient("scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapTransient("iterate ids", rows.Err())
}

// StateSummary returns a count of use cases per state.
func (r *UseCaseRepository) StateSummary(ctx context.Context) (map[domain.UseCaseState]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT state, count(*) FROM use_cases GROUP BY state`)
	if err != nil {
		return nil, wrapTransient("state summary", err)
	}
	defer rows.Close()
	summary := make(map[domain.UseCaseState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, wrapTransient("scan state summary", err)
		}
		summary[domain.UseCaseState(state)] = count
	}
	return summary, wrapTransient("iterate state summary", rows.Err())
}

// NeedingAction returns ids grouped by the states that imply a use case is
// blocked on an external actor (AWAITING_DATA_FIX, CONFIG_INVALID,
// QUALITY_CHECK_FAILED, EVALUATION_FAILED).
func (r *UseCaseRepository) NeedingAction(ctx context.Context) (map[domain.UseCaseState][]string, error) {
	out := make(map[domain.UseCaseState][]string)
	for _, s := range domain.NeedingActionUseCaseStates {
		ids, err := r.FindByState(ctx, s)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			out[s] = ids
		}
	}
	return out, nil
}

// AppendActivityLog records a non-transition audit entry for a use case.
func (r *UseCaseRepository) AppendActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	mdJSON, _ := json.Marshal(entry.Metadata)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activity_log (use_case_id, activity_type, description, metadata_json, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		entry.UseCaseID, entry.ActivityType, entry.Description, mdJSON, time.Now().UTC(),
	)
	return wrapTransient("append activity log", err)
}
