// Copyright 2025 James Ross
package store

import "time"

// State is a job's lifecycle state (spec §3.1).
type State string

const (
	StateQueued   State = "QUEUED"
	StateRunning  State = "RUNNING"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
	StateCanceled State = "CANCELED"
)

// legalTransitions encodes the state DAG: QUEUED -> RUNNING -> {DONE, FAILED,
// CANCELED}, QUEUED -> CANCELED, and a RUNNING -> QUEUED reset. The reset is
// not restricted to admins: CanTransition does not look at who asks, and the
// startup reaper uses it for jobs left RUNNING.
var legalTransitions = map[State]map[State]bool{
	StateQueued:  {StateRunning: true, StateCanceled: true},
	StateRunning: {StateDone: true, StateFailed: true, StateCanceled: true, StateQueued: true},
}

// CanTransition reports whether from -> to is a legal job state transition.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Visibility controls who may view a job/library entry (spec §4.6).
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityShared  Visibility = "shared"
)

// Role is a coarse RBAC role, ordered viewer < operator <= editor < admin.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleEditor:   1,
	RoleAdmin:    2,
}

// AtLeast reports whether r outranks or equals min on the coarse role ladder.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Job is one end-to-end dubbing run (spec §3.1).
type Job struct {
	ID            string
	OwnerID       string
	VideoPath     string
	DurationS     float64
	Mode          string // high | medium | low
	Device        string // auto | cpu | cuda
	SrcLang       string
	TgtLang       string
	SeriesTitle   string
	SeriesSlug    string
	SeasonNumber  int
	EpisodeNumber int
	Visibility    Visibility
	CreatedAt     time.Time
	UpdatedAt     time.Time
	State         State
	Progress      float64
	Message       string
	Error         string
	OutputMKV     string
	OutputSRT     string
	WorkDir       string
	LogPath       string
	Runtime       map[string]any
	StorageBytes  int64
	TraceID       string
	SpanID        string
	Seq           int64
}

// JobPatch is a partial, atomic update applied by Store.UpdateJob. Nil
// pointers leave the corresponding column untouched.
type JobPatch struct {
	State     *State
	Progress  *float64
	Message   *string
	Error     *string
	OutputMKV *string
	OutputSRT *string
	WorkDir   *string
	LogPath   *string
	Runtime   map[string]any
}

// JobFilter selects a subset of jobs for List.
type JobFilter struct {
	OwnerID    string
	States     []State
	SeriesSlug string
	Visibility Visibility
	Tag        string
}

// JobOrder controls List's result ordering.
type JobOrder string

const (
	OrderUpdatedDesc JobOrder = "updated_desc"
	OrderCreatedAsc  JobOrder = "created_asc"
)

// User is an authenticated principal (spec §3.2).
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	TOTPSecret   string
	TOTPEnabled  bool
	CreatedAt    time.Time
}

// ApiKey is a long-lived credential scoped independently of its owner's role.
type ApiKey struct {
	ID        string
	Prefix    string
	KeyHash   string
	Scopes    []string
	UserID    string
	CreatedAt time.Time
	Revoked   bool
}

// UploadSession tracks a resumable chunked upload (spec §3.3).
type UploadSession struct {
	UploadID       string
	OwnerID        string
	Filename       string
	TotalBytes     int64
	ChunkBytes     int64
	ReceivedBytes  int64
	SHA256Partial  string
	ChunksReceived map[int]bool
	Finalized      bool
	VideoPath      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QuotaOverride holds a per-user override of the global quota defaults
// (spec §3.5); a nil field means "use global default".
type QuotaOverride struct {
	UserID                     string
	MaxUploadBytes             *int64
	MaxStorageBytes            *int64
	JobsPerDay                 *int
	MaxConcurrentJobs          *int
	MaxQueuedJobs              *int
	MaxProcessingMinutesPerDay *int
}

// LibraryEpisode is a denormalized browse row (spec §3.7), rebuilt from jobs.
type LibraryEpisode struct {
	JobID         string
	OwnerID       string
	SeriesSlug    string
	SeriesTitle   string
	SeasonNumber  int
	EpisodeNumber int
	Visibility    Visibility
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
