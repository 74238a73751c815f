package model

// QueueStatus is the lifecycle state of one unit of work.
type QueueStatus string

const (
	QueuePending    QueueStatus = "PENDING"
	QueueInProgress QueueStatus = "IN_PROGRESS"
	QueueDone       QueueStatus = "DONE"
	QueueFailed     QueueStatus = "FAILED"
)

// QueueEntry tracks one chunk of one source through the pipeline. Status
// transitions are the only mutations; the whole queue is persisted via
// atomic replace so a crash never leaves a half-written state.
type QueueEntry struct {
	SourceID     string      `yaml:"source_id" json:"source_id"`
	ChunkID      string      `yaml:"chunk_id" json:"chunk_id"`
	Status       QueueStatus `yaml:"status" json:"status"`
	AttemptCount int         `yaml:"attempt_count" json:"attempt_count"`
	Error        string      `yaml:"error,omitempty" json:"error,omitempty"`
}

// Chunk is one unit of inbound content with its provenance anchor, as
// delivered by the external content source interface.
type Chunk struct {
	SourceID  string `yaml:"source_id" json:"source_id"`
	ChunkID   string `yaml:"chunk_id" json:"chunk_id"`
	SourceRef string `yaml:"source_ref" json:"source_ref"` // Timestamp range or page number
	Text      string `yaml:"text" json:"text"`
}
