// Package db provides the engine's relational schema: GORM model structs
// for the canonical tables, idempotent auto-initialization, and a
// hand-rolled checksum-tracked migration runner for forward-only SQL files.
//
// GORM backs this low-traffic, declarative admin path only. The
// high-traffic transactional read/write path used by the repositories
// (internal/repository) is built directly on pgx — the split mirrors the
// teacher's own division between its GORM-based admin tables and its raw
// pgx state store.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// UseCaseModel is the GORM mapping for use_cases.
type UseCaseModel struct {
	ID                string `gorm:"primaryKey;type:uuid"`
	Name              string
	TeamEmail         string
	State             string `gorm:"index"`
	ConfigFileKey     string
	DatasetFileKey    string
	QualityIssuesJSON []byte `gorm:"type:jsonb"`
	EvaluationResultsJSON []byte `gorm:"type:jsonb"`
	MetadataJSON      []byte `gorm:"type:jsonb"`
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (UseCaseModel) TableName() string { return "use_cases" }

// ModelEvaluationModel is the GORM mapping for model_evaluations.
type ModelEvaluationModel struct {
	ID                 string `gorm:"primaryKey;type:uuid"`
	UseCaseID          string `gorm:"index"`
	ModelName          string
	ModelVersion       string
	CurrentState       string `gorm:"index"`
	DatasetFileKey     string
	PredictionsFileKey string
	QualityIssuesJSON  []byte `gorm:"type:jsonb"`
	MetadataJSON       []byte `gorm:"type:jsonb"`
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (ModelEvaluationModel) TableName() string { return "model_evaluations" }

// UseCaseStateHistoryModel is the GORM mapping for use_case_state_history.
type UseCaseStateHistoryModel struct {
	ID                 int64 `gorm:"primaryKey;autoIncrement"`
	UseCaseID          string `gorm:"index"`
	FromState          string
	ToState            string
	TriggeredBy        string
	TriggerReason      string
	AdditionalDataJSON []byte `gorm:"type:jsonb"`
	Timestamp          time.Time `gorm:"index"`
}

func (UseCaseStateHistoryModel) TableName() string { return "use_case_state_history" }

// ModelStateHistoryModel is the GORM mapping for model_state_history.
type ModelStateHistoryModel struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	ModelID            string `gorm:"index"`
	FromState          string
	ToState            string
	TriggeredBy        string
	TriggerReason       string
	FileUploaded       string
	QualityIssuesCount int
	ErrorMessage       string
	AdditionalDataJSON []byte `gorm:"type:jsonb"`
	Timestamp          time.Time `gorm:"index"`
}

func (ModelStateHistoryModel) TableName() string { return "model_state_history" }

// ActivityLogModel is the GORM mapping for activity_log.
type ActivityLogModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	UseCaseID    string `gorm:"index"`
	ActivityType string
	Description  string
	MetadataJSON []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

func (ActivityLogModel) TableName() string { return "activity_log" }

// TaskModel is the GORM mapping for tasks.
type TaskModel struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	TaskName     string
	ArgsJSON     []byte `gorm:"type:jsonb"`
	Status       string `gorm:"index:idx_tasks_dispatch"`
	Priority     int    `gorm:"index:idx_tasks_dispatch"`
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time `gorm:"index:idx_tasks_dispatch"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

func (TaskModel) TableName() string { return "tasks" }

// SchemaMigrationModel is the GORM mapping for schema_migrations.
type SchemaMigrationModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	Version         int    `gorm:"uniqueIndex"`
	Name            string
	Checksum        string
	Description     string
	AppliedAt       time.Time
	ExecutionTimeMs int64
}

func (SchemaMigrationModel) TableName() string { return "schema_migrations" }

var allModels = []any{
	&UseCaseModel{},
	&ModelEvaluationModel{},
	&UseCaseStateHistoryModel{},
	&ModelStateHistoryModel{},
	&ActivityLogModel{},
	&TaskModel{},
	&SchemaMigrationModel{},
}

// Open opens a GORM connection over the given DSN. Callers that need the
// transactional hot path should instead construct a pgxpool.Pool directly
// (internal/db's pgx helpers) — Open is only for schema bootstrap.
func Open(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open schema connection: %w", err)
	}
	return gdb, nil
}

// AutoInitialize is idempotent and safe to run at every process startup: it
// creates the seven canonical tables with "if not exists" semantics via
// GORM's AutoMigrate, matching db/postgres.go's PGMigrations pattern
// generalized from a single RabbitLog model to the engine's full schema.
func AutoInitialize(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(allModels...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// InitializeOnce creates the schema a single time. When force is false it
// fails if the schema_migrations table already has rows (the DB has
// already been bootstrapped); when force is true it proceeds regardless,
// relying on AutoMigrate's additive nature to reconcile.
func InitializeOnce(gdb *gorm.DB, force bool) error {
	if !force {
		var count int64
		if err := gdb.Table("schema_migrations").Count(&count).Error; err == nil && count > 0 {
			return fmt.Errorf("schema already initialized (%d migrations recorded); use force to proceed anyway", count)
		}
	}
	return AutoInitialize(gdb)
}

// ApplyMigrations scans dir for files named NNN_name.sql in lexicographic
// order, applies those not yet recorded in schema_migrations, and records
// each application's checksum, name, and execution time. Each file runs in
// its own transaction; a failure aborts the run and leaves no partial
// record for that file. Re-applying an already-applied version whose bytes
// now checksum differently is reported as a Corruption-shaped integrity
// error rather than silently re-applied.
//
// This runner is hand-rolled: GORM has no native checksum-tracked
// migration path, and the pack's only migration-shaped reference (a MySQL
// online-DDL runner) solves a different problem — rewriting huge live
// tables without locking them — with no bearing on applying a handful of
// small forward-only SQL files.
func ApplyMigrations(sqlDB *sql.DB, dir string) ([]SchemaMigrationModel, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	type file struct {
		version int
		name    string
		path    string
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		files = append(files, file{version: version, name: strings.TrimSuffix(parts[1], ".sql"), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })

	applied := map[int]string{} // version -> checksum
	rows, err := sqlDB.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = c
	}
	rows.Close()

	var out []SchemaMigrationModel
	for _, f := range files {
		contents, err := os.ReadFile(f.path)
		if err != nil {
			return out, fmt.Errorf("read migration %s: %w", f.path, err)
		}
		sum := sha256.Sum256(contents)
		checksum := hex.EncodeToString(sum[:])

		if existing, ok := applied[f.version]; ok {
			if existing != checksum {
				return out, fmt.Errorf("migration %d (%s) checksum mismatch: recorded %s, file is now %s — integrity error, refusing to re-apply", f.version, f.name, existing, checksum)
			}
			continue
		}

		start := time.Now()
		tx, err := sqlDB.Begin()
		if err != nil {
			return out, fmt.Errorf("begin migration %d: %w", f.version, err)
		}
		if _, err := tx.Exec(string(contents)); err != nil {
			tx.Rollback()
			return out, fmt.Errorf("apply migration %d (%s): %w", f.version, f.name, err)
		}
		rec := SchemaMigrationModel{
			Version:         f.version,
			Name:            f.name,
			Checksum:        checksum,
			AppliedAt:       time.Now(),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, name, checksum, applied_at, execution_time_ms) VALUES ($1,$2,$3,$4,$5)`,
			rec.Version, rec.Name, rec.Checksum, rec.AppliedAt, rec.ExecutionTimeMs,
		); err != nil {
			tx.Rollback()
			return out, fmt.Errorf("record migration %d: %w", f.version, err)
		}
		if err := tx.Commit(); err != nil {
			return out, fmt.Errorf("commit migration %d: %w", f.version, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
