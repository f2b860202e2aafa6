package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/enginerr"
)

// ModelEvaluationRepository persists ModelEvaluation aggregates and their
// state history, mirroring UseCaseRepository's shape.
type ModelEvaluationRepository struct {
	pool *pgxpool.Pool
}

func NewModelEvaluationRepository(pool *pgxpool.Pool) *ModelEvaluationRepository {
	return &ModelEvaluationRepository{pool: pool}
}

// LoadedModel bundles a ModelEvaluationState machine with the optimistic
// concurrency bookkeeping needed by SaveStateMachine.
type LoadedModel struct {
	Model            *domain.ModelEvaluation
	Machine          *domain.StateMachine[domain.ModelEvaluationState]
	loadedVersion    int64
	loadedHistoryLen int
}

// Create registers a new model evaluation under a use case, starting in REGISTERED.
func (r *ModelEvaluationRepository) Create(ctx context.Context, useCaseID, modelName, version string) (*domain.ModelEvaluation, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	m := &domain.ModelEvaluation{
		ID: id, UseCaseID: useCaseID, ModelName: modelName, ModelVersion: version,
		CurrentState: domain.ModelRegistered, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO model_evaluations (id, use_case_id, model_name, model_version, current_state, quality_issues_json, metadata_json, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'[]','{}',$6,$7,$8)`,
		m.ID, m.UseCaseID, m.ModelName, m.ModelVersion, string(m.CurrentState), m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, wrapTransient("create model evaluation", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO model_state_history (model_id, from_state, to_state, triggered_by, trigger_reason, additional_data_json, timestamp)
		VALUES ($1,'',$2,'system','model registered','{}',$3)`,
		m.ID, string(m.CurrentState), m.CreatedAt,
	)
	if err != nil {
		return nil, wrapTransient("record initial model history", err)
	}
	return m, nil
}

// Get fetches a model evaluation's current row.
func (r *ModelEvaluationRepository) Get(ctx context.Context, id string) (*domain.ModelEvaluation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, use_case_id, model_name, model_version, current_state, COALESCE(dataset_file_key, ''), COALESCE(predictions_file_key, ''),
		       quality_issues_json, metadata_json, version, created_at, updated_at
		FROM model_evaluations WHERE id = $1`, id)

	var m domain.ModelEvaluation
	var qiJSON, mdJSON []byte
	err := row.Scan(&m.ID, &m.UseCaseID, &m.ModelName, &m.ModelVersion, &m.CurrentState, &m.DatasetFileKey, &m.PredictionsFileKey,
		&qiJSON, &mdJSON, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(fmt.Sprintf("get model evaluation %s", id), err)
	}
	_ = json.Unmarshal(qiJSON, &m.QualityIssues)
	_ = json.Unmarshal(mdJSON, &m.Metadata)
	return &m, nil
}

// ListByUseCase returns every model evaluation owned by a use case.
func (r *ModelEvaluationRepository) ListByUseCase(ctx context.Context, useCaseID string) ([]*domain.ModelEvaluation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, use_case_id, model_name, model_version, current_state, created_at, updated_at
		FROM model_evaluations WHERE use_case_id = $1 ORDER BY created_at ASC`, useCaseID)
	if err != nil {
		return nil, wrapTransient("list model evaluations", err)
	}
	defer rows.Close()
	var out []*domain.ModelEvaluation
	for rows.Next() {
		m := &domain.ModelEvaluation{}
		if err := rows.Scan(&m.ID, &m.UseCaseID, &m.ModelName, &m.ModelVersion, &m.CurrentState, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, wrapTransient("scan model evaluation", err)
		}
		out = append(out, m)
	}
	return out, wrapTransient("iterate model evaluations", rows.Err())
}

// LoadStateMachine reconstructs a ModelEvaluationState machine with full history.
func (r *ModelEvaluationRepository) LoadStateMachine(ctx context.Context, id string) (*LoadedModel, error) {
	row := r.pool.QueryRow(ctx, `SELECT current_state, version, created_at FROM model_evaluations WHERE id = $1`, id)
	var state string
	var version int64
	var createdAt time.Time
	if err := row.Scan(&state, &version, &createdAt); err != nil {
		return nil, wrapNotFound(fmt.Sprintf("load model evaluation %s", id), err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT from_state, to_state, triggered_by, trigger_reason, COALESCE(file_uploaded, ''), COALESCE(quality_issues_count, 0), COALESCE(error_message, ''), additional_data_json, timestamp
		FROM model_state_history WHERE model_id = $1 ORDER BY timestamp ASC`, id)
	if err != nil {
		return nil, wrapTransient("load model history", err)
	}
	defer rows.Close()

	var history []domain.HistoryEntry[domain.ModelEvaluationState]
	for rows.Next() {
		var from, to, triggeredBy, reason, fileUploaded, errMsg string
		var issuesCount int
		var dataJSON []byte
		var ts time.Time
		if err := rows.Scan(&from, &to, &triggeredBy, &reason, &fileUploaded, &issuesCount, &errMsg, &dataJSON, &ts); err != nil {
			return nil, wrapTransient("scan model history", err)
		}
		var data map[string]any
		_ = json.Unmarshal(dataJSON, &data)
		history = append(history, domain.HistoryEntry[domain.ModelEvaluationState]{
			From: domain.ModelEvaluationState(from), To: domain.ModelEvaluationState(to),
			TriggeredBy: triggeredBy, TriggerReason: reason, FileUploaded: fileUploaded,
			IssuesCount: issuesCount, ErrorMessage: errMsg, AdditionalData: data, Timestamp: ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransient("iterate model history", err)
	}
	if len(history) == 0 {
		history = []domain.HistoryEntry[domain.ModelEvaluationState]{{To: domain.ModelEvaluationState(state), Timestamp: createdAt}}
	}
	if history[len(history)-1].To != domain.ModelEvaluationState(state) {
		return nil, fmt.Errorf("model %s: history tail %v does not match current state %v: %w", id, history[len(history)-1].To, state, enginerr.ErrCorruption)
	}

	machine := domain.RestoreModelStateMachine(id, domain.ModelEvaluationState(state), history)
	return &LoadedModel{
		Model:            &domain.ModelEvaluation{ID: id, CurrentState: domain.ModelEvaluationState(state), Version: version, CreatedAt: createdAt},
		Machine:          machine,
		loadedVersion:    version,
		loadedHistoryLen: len(history),
	}, nil
}

// SaveStateMachine persists a mutated model machine atomically under
// optimistic concurrency, inserting any new history tail rows.
func (r *ModelEvaluationRepository) SaveStateMachine(ctx context.Context, loaded *LoadedModel) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return wrapTransient("begin save", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE model_evaluations SET current_state = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND version = $4`,
		string(loaded.Machine.Current()), time.Now().UTC(), loaded.Machine.AggregateID, loaded.loadedVersion,
	)
	if err != nil {
		return wrapTransient("update model evaluation", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, loaded.Machine.AggregateID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("model %s: version %d is stale: %w", loaded.Machine.AggregateID, loaded.loadedVersion, enginerr.ErrStaleWrite)
	}

	history := loaded.Machine.History()
	for _, h := range history[loaded.loadedHistoryLen:] {
		dataJSON, _ := json.Marshal(h.AdditionalData)
		if _, err := tx.Exec(ctx, `
			INSERT INTO model_state_history (model_id, from_state, to_state, triggered_by, trigger_reason, file_uploaded, quality_issues_count, error_message, additional_data_json, timestamp)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			loaded.Machine.AggregateID, string(h.From), string(h.To), h.TriggeredBy, h.TriggerReason, h.FileUploaded, h.IssuesCount, h.ErrorMessage, dataJSON, h.Timestamp,
		); err != nil {
			return wrapTransient("insert model history", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapTransient("commit save", err)
	}
	loaded.loadedVersion++
	loaded.loadedHistoryLen = len(history)
	return nil
}

// SetDatasetFileKey updates dataset_file_key without touching state —
// used for the "re-upload while QUALITY_CHECK_PENDING" path (S4.5 step 5 in
// the upload orchestrator) where no transition occurs.
func (r *ModelEvaluationRepository) SetDatasetFileKey(ctx context.Context, id, key string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE model_evaluations SET dataset_file_key = $1, updated_at = $2 WHERE id = $3`, key, time.Now().UTC(), id)
	if err != nil {
		return wrapTransient("set dataset file key", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model %s: %w", id, enginerr.ErrNotFound)
	}
	return nil
}

// SetPredictionsFileKey updates predictions_file_key without touching state.
func (r *ModelEvaluationRepository) SetPredictionsFileKey(ctx context.Context, id, key string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE model_evaluations SET predictions_file_key = $1, updated_at = $2 WHERE id = $3`, key, time.Now().UTC(), id)
	if err != nil {
		return wrapTransient("set predictions file key", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model %s: %w", id, enginerr.ErrNotFound)
	}
	return nil
}

// SetQualityIssues persists the quality-check collaborator's findings.
func (r *ModelEvaluationRepository) SetQualityIssues(ctx context.Context, id string, issues []domain.QualityIssue) error {
	issuesJSON, _ := json.Marshal(issues)
	tag, err := r.pool.Exec(ctx, `UPDATE model_evaluations SET quality_issues_json = $1, updated_at = $2 WHERE id = $3`, issuesJSON, time.Now().UTC(), id)
	if err != nil {
		return wrapTransient("set quality issues", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model %s: %w", id, enginerr.ErrNotFound)
	}
	return nil
}

// FindByState returns ids of model evaluations currently in the given state.
func (r *ModelEvaluationRepository) FindByState(ctx context.Context, state domain.ModelEvaluationState) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM model_evaluations WHERE current_state = $1`, string(state))
	if err != nil {
		return nil, wrapTransient("find models by state", err)
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

// StateSummary returns a count of model evaluations per state, scoped to a use case.
func (r *ModelEvaluationRepository) StateSummary(ctx context.Context, useCaseID string) (map[domain.ModelEvaluationState]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT current_state, count(*) FROM model_evaluations WHERE use_case_id = $1 GROUP BY current_state`, useCaseID)
	if err != nil {
		return nil, wrapTransient("model state summary", err)
	}
	defer rows.Close()
	summary := make(map[domain.ModelEvaluationState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, wrapTransient("scan model state summary", err)
		}
		summary[domain.ModelEvaluationState(state)] = count
	}
	return summary, wrapTransient("iterate model state summary", rows.Err())
}

// NeedingAction returns model ids grouped by states implying they're
// blocked on an external actor.
func (r *ModelEvaluationRepository) NeedingAction(ctx context.Context) (map[domain.ModelEvaluationState][]string, error) {
	out := make(map[domain.ModelEvaluationState][]string)
	for _, s := range domain.NeedingActionModelStates {
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
