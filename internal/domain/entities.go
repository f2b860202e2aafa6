package domain

import "time"

// UseCase is one team's submission: a request to evaluate one or more
// candidate models against a golden dataset.
type UseCase struct {
	ID               string
	Name             string
	TeamEmail        string
	State            UseCaseState
	ConfigFileKey    string
	DatasetFileKey   string
	QualityIssues    []QualityIssue
	EvaluationResults map[string]any
	Metadata         map[string]any
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ModelEvaluation is one candidate model attached to a use case.
type ModelEvaluation struct {
	ID                 string
	UseCaseID          string
	ModelName          string
	ModelVersion       string
	CurrentState       ModelEvaluationState
	DatasetFileKey     string
	PredictionsFileKey string
	QualityIssues      []QualityIssue
	Metadata           map[string]any
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AggregateKind discriminates which state machine a StateTransition or
// ActivityLog row belongs to.
type AggregateKind string

const (
	AggregateUseCase AggregateKind = "use_case"
	AggregateModel   AggregateKind = "model"
)

// ActivityLog is an audit entry distinct from a state transition: it
// captures events that don't move a state machine (a rejected upload, a
// rollback, a notification attempt).
type ActivityLog struct {
	ID           string
	UseCaseID    string
	ActivityType string
	Description  string
	Metadata     map[string]any
	CreatedAt    time.Time
}

const (
	ActivityUploadRejected = "upload_rejected"
	ActivityUploadAccepted = "upload_accepted"
	ActivityRollback       = "rollback"
	ActivityNotification   = "notification"
)

// IssueSeverity classifies a QualityIssue.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "ERROR"
	SeverityWarning IssueSeverity = "WARNING"
	SeverityInfo    IssueSeverity = "INFO"
)

// QualityIssue is a value object produced by the (external) quality-check
// collaborator and stored verbatim by the engine.
type QualityIssue struct {
	RowNumber  int
	FieldName  string
	Value      string
	IssueType  string
	Message    string
	Severity   IssueSeverity
	Suggestion string
}

// HasBlockingIssues reports whether any issue in the set is severity ERROR.
// This is the one piece of quality-rule logic that belongs to the core —
// severity aggregation, not the rules that produced the issues, which
// remain an external collaborator.
func HasBlockingIssues(issues []QualityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// TaskStatus is a node in the task dispatch status DAG.
type TaskStatus string

const (
	TaskPending           TaskStatus = "PENDING"
	TaskRunning           TaskStatus = "RUNNING"
	TaskCompleted         TaskStatus = "COMPLETED"
	TaskFailed            TaskStatus = "FAILED"
	TaskRetrying          TaskStatus = "RETRYING"
	TaskCancelRequested   TaskStatus = "CANCELLED_REQUESTED"
	TaskCancelled         TaskStatus = "CANCELLED"
)

// Task is a queued unit of background work.
type Task struct {
	ID           int64
	Name         string
	Args         map[string]any
	Status       TaskStatus
	Priority     int
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// SchemaMigration is an applied migration record.
type SchemaMigration struct {
	Version         int
	Name            string
	Checksum        string
	Description     string
	AppliedAt       time.Time
	ExecutionTimeMs int64
}
