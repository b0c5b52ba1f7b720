package domain

import "encoding/json"

// Job kinds handled by the built-in worker set. Kinds are free-form strings;
// these are the ones empirecore registers out of the box.
const (
	JobKindResourceProduce = "resource.produce"
	JobKindResourceCollect = "resource.collect"
	JobKindModifierExpire  = "modifier.expire"
	JobKindModifierSweep   = "modifier.sweep"
	JobKindHistoryArchive  = "history.archive"
)

// ProducePayload drives one production tick for a subject. ElapsedSeconds is
// the wall-clock window being credited.
type ProducePayload struct {
	SubjectID      string  `json:"subject_id"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// CollectPayload banks a subject's accumulated resources.
type CollectPayload struct {
	SubjectID string `json:"subject_id"`
}

// ExpirePayload removes one lapsed active modifier.
type ExpirePayload struct {
	SubjectID        string `json:"subject_id"`
	ActiveModifierID string `json:"active_modifier_id"`
}

// SweepPayload drops every expired active modifier for a subject.
type SweepPayload struct {
	SubjectID string `json:"subject_id"`
}

// ArchivePayload exports a subject's modifier history to the archive store.
type ArchivePayload struct {
	SubjectID string `json:"subject_id"`
}

// MarshalPayload encodes a payload value for Job.Payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
