package model

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type ProviderID string

const (
	ProviderReplicate   ProviderID = "replicate"
	ProviderFal         ProviderID = "fal"
	ProviderHuggingFace ProviderID = "huggingface"
	ProviderElevenLabs  ProviderID = "elevenlabs"
	ProviderOpenAI      ProviderID = "openai"
	ProviderMock        ProviderID = "mock"
)

type JobKind string

const (
	KindAudio      JobKind = "audio"
	KindVideo      JobKind = "video"
	KindImage      JobKind = "image"
	KindTranscript JobKind = "transcript"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindAudio, KindVideo, KindImage, KindTranscript:
		return true
	}
	return false
}

type JobState string

const (
	JobStarting   JobState = "starting"
	JobProcessing JobState = "processing"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobCanceled   JobState = "canceled"
)

func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCanceled
}

type Settings struct {
	Duration   int    `json:"duration,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Style      string `json:"style,omitempty"`
}

// GenerationJob is one provider job as observed by the poller. Output is
// set only when State is succeeded and Error only when failed or canceled.
type GenerationJob struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Provider   ProviderID `json:"provider"`
	Kind       JobKind    `json:"kind"`
	Model      string     `json:"model,omitempty"`
	Handle     string     `json:"-"`
	State      JobState   `json:"state"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	SourceText string     `json:"source_text"`
	Settings   Settings   `json:"settings"`
	TraceID    string     `json:"trace_id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	EndedAt    time.Time  `json:"ended_at,omitempty"`
}

type HistoryItem struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ArtifactURL string     `json:"artifact_url"`
	SourceText  string     `json:"source_text"`
	Kind        JobKind    `json:"kind"`
	Provider    ProviderID `json:"provider"`
	Settings    Settings   `json:"settings"`
	IsFavorite  bool       `json:"is_favorite"`
	Thumbnail   string     `json:"thumbnail,omitempty"`
}

type BatchItemState string

const (
	BatchItemPending    BatchItemState = "pending"
	BatchItemProcessing BatchItemState = "processing"
	BatchItemCompleted  BatchItemState = "completed"
	BatchItemError      BatchItemState = "error"
)

func (s BatchItemState) IsTerminal() bool {
	return s == BatchItemCompleted || s == BatchItemError
}

type BatchItem struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	State       BatchItemState `json:"state"`
	Progress    int            `json:"progress"`
	Error       string         `json:"error,omitempty"`
	ArtifactURL string         `json:"artifact_url,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
}

type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
)

// BatchJob counts and State are derived from Items; see history.BatchTracker.
type BatchJob struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Provider       ProviderID  `json:"provider"`
	Kind           JobKind     `json:"kind"`
	Model          string      `json:"model,omitempty"`
	Settings       Settings    `json:"settings"`
	Items          []BatchItem `json:"items"`
	TotalCount     int         `json:"total_count"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
	State          BatchState  `json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type JobEventType string

const (
	EventJobCreated   JobEventType = "job_created"
	EventJobProgress  JobEventType = "job_progress"
	EventJobCanceled  JobEventType = "job_canceled"
	EventJobSucceeded JobEventType = "job_succeeded"
	EventJobFailed    JobEventType = "job_failed"
	EventHistorySaved JobEventType = "history_saved"
)

type JobEvent struct {
	EventID string         `json:"event_id"`
	Seq     int64          `json:"seq"`
	TraceID string         `json:"trace_id"`
	JobID   string         `json:"job_id"`
	UserID  string         `json:"user_id"`
	Type    JobEventType   `json:"type"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}
