package task

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Type string

const (
	TypeCompress      Type = "compress"
	TypeConvert       Type = "convert"
	TypeResize        Type = "resize"
	TypeWatermark     Type = "watermark"
	TypeExtractFrames Type = "extract_frames"
	TypeThumbnails    Type = "thumbnails"
	TypeAnalyze       Type = "analyze"
	TypeCustom        Type = "custom"
)

// Priority orders dispatch. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the lower-case names; an empty string means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Task is one external transcoder invocation. Mutable fields are written
// only under the owning Job's lock.
type Task struct {
	ID             string            `json:"id"`
	JobID          string            `json:"jobId"`
	Type           Type              `json:"type"`
	InputPath      string            `json:"inputPath"`
	OutputPath     string            `json:"outputPath,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	Priority       Priority          `json:"priority"`
	Status         Status            `json:"status"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	ErrorMessage   string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	NotBefore      time.Time         `json:"notBefore,omitempty"`
	StartedAt      time.Time         `json:"startedAt,omitempty"`
	CompletedAt    time.Time         `json:"completedAt,omitempty"`
	FileSize       int64             `json:"fileSize,omitempty"`
	OutputFileSize int64             `json:"outputFileSize,omitempty"`
	CacheHit       bool              `json:"cacheHit,omitempty"`

	rt *runtime
}

// runtime carries scheduler-private state that must not be copied into views.
type runtime struct {
	job             *Job
	seq             uint64
	cancelRequested atomic.Bool
	cancel          context.CancelFunc
	deadline        time.Time
}

func (t *Task) job() *Job { return t.rt.job }

// cancelled reports whether dispatch must drop the task.
func (t *Task) cancelled() bool {
	return t.rt.cancelRequested.Load() || t.rt.job.cancelled.Load()
}

// ProcessingTime is the wall time of the last attempt.
func (t *Task) ProcessingTime() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// view returns a copy safe to hand to callers. The caller holds the job lock.
func (t *Task) view() Task {
	v := *t
	v.rt = nil
	v.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Params != nil {
		v.Params = make(map[string]string, len(t.Params))
		for k, val := range t.Params {
			v.Params[k] = val
		}
	}
	return v
}

// TaskSpec is what a caller submits for one task.
type TaskSpec struct {
	ID           string            `json:"id,omitempty"`
	Type         Type              `json:"type" binding:"required"`
	InputPath    string            `json:"input_path" binding:"required"`
	OutputPath   string            `json:"output_path"`
	Params       map[string]string `json:"params,omitempty"`
	Priority     Priority          `json:"priority,omitempty"`
	MaxRetries   *int              `json:"max_retries,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// JobSpec is a named batch of tasks.
type JobSpec struct {
	Name  string     `json:"name" binding:"required"`
	Tasks []TaskSpec `json:"tasks" binding:"required,min=1,dive"`
}

// Command is the external invocation built for a task.
type Command struct {
	Args    []string
	Timeout time.Duration
}

// CommandBuilder turns a task's type and params into an invocation.
type CommandBuilder interface {
	Build(t *Task) (Command, error)
}

// Transcoder runs an external process. Exit code 0 with a nil error is success.
type Transcoder interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (exitCode int, stderr string, err error)
}
