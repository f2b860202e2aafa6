package domain

import "time"

// SerializedHistoryEntry is the portable shape of one HistoryEntry, used by
// Serialize/Deserialize and by the repository's wire format.
type SerializedHistoryEntry struct {
	From           string         `json:"from_state"`
	To             string         `json:"to_state"`
	Timestamp      time.Time      `json:"timestamp"`
	TriggeredBy    string         `json:"triggered_by,omitempty"`
	TriggerReason  string         `json:"trigger_reason,omitempty"`
	FileUploaded   string         `json:"file_uploaded,omitempty"`
	IssuesCount    int            `json:"quality_issues_count,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
	Forced         bool           `json:"forced,omitempty"`
}

// SerializedStateMachine is the portable map representation of any
// StateMachine, regardless of which state type it carries.
type SerializedStateMachine struct {
	AggregateID string                   `json:"aggregate_id"`
	Current     string                   `json:"current_state"`
	History     []SerializedHistoryEntry `json:"history"`
}

// SerializeUseCase converts a UseCaseState machine to its portable form.
func SerializeUseCase(sm *StateMachine[UseCaseState]) SerializedStateMachine {
	return SerializedStateMachine{
		AggregateID: sm.AggregateID,
		Current:     string(sm.Current()),
		History:     serializeHistory(sm.History(), func(s UseCaseState) string { return string(s) }),
	}
}

// DeserializeUseCase reconstructs a UseCaseState machine from its portable
// form. It does not validate history-tail consistency; callers that load
// from storage perform that check explicitly (Corruption detection is a
// repository concern).
func DeserializeUseCase(s SerializedStateMachine) *StateMachine[UseCaseState] {
	history := deserializeHistory(s.History, func(v string) UseCaseState { return UseCaseState(v) })
	return RestoreUseCaseStateMachine(s.AggregateID, UseCaseState(s.Current), history)
}

// SerializeModel converts a ModelEvaluationState machine to its portable
// form.
func SerializeModel(sm *StateMachine[ModelEvaluationState]) SerializedStateMachine {
	return SerializedStateMachine{
		AggregateID: sm.AggregateID,
		Current:     string(sm.Current()),
		History:     serializeHistory(sm.History(), func(s ModelEvaluationState) string { return string(s) }),
	}
}

// DeserializeModel reconstructs a ModelEvaluationState machine from its
// portable form.
func DeserializeModel(s SerializedStateMachine) *StateMachine[ModelEvaluationState] {
	history := deserializeHistory(s.History, func(v string) ModelEvaluationState { return ModelEvaluationState(v) })
	return RestoreModelStateMachine(s.AggregateID, ModelEvaluationState(s.Current), history)
}

func serializeHistory[S comparable](history []HistoryEntry[S], toString func(S) string) []SerializedHistoryEntry {
	out := make([]SerializedHistoryEntry, len(history))
	for i, h := range history {
		out[i] = SerializedHistoryEntry{
			From:           toString(h.From),
			To:             toString(h.To),
			Timestamp:      h.Timestamp,
			TriggeredBy:    h.TriggeredBy,
			TriggerReason:  h.TriggerReason,
			FileUploaded:   h.FileUploaded,
			IssuesCount:    h.IssuesCount,
			ErrorMessage:   h.ErrorMessage,
			AdditionalData: h.AdditionalData,
			Forced:         h.Forced,
		}
	}
	return out
}

func deserializeHistory[S comparable](in []SerializedHistoryEntry, fromString func(string) S) []HistoryEntry[S] {
	out := make([]HistoryEntry[S], len(in))
	for i, h := range in {
		out[i] = HistoryEntry[S]{
			From:           fromString(h.From),
			To:             fromString(h.To),
			Timestamp:      h.Timestamp,
			TriggeredBy:    h.TriggeredBy,
			TriggerReason:  h.TriggerReason,
			FileUploaded:   h.FileUploaded,
			IssuesCount:    h.IssuesCount,
			ErrorMessage:   h.ErrorMessage,
			AdditionalData: h.AdditionalData,
			Forced:         h.Forced,
		}
	}
	return out
}
