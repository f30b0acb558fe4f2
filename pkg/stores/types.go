package stores

import (
	"context"
	"time"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

// Run is one evaluation of the main graph.
type Run struct {
	ID           string           `json:"id"`
	Frame        int              `json:"frame"`
	Status       engine.RunStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Duration     time.Duration    `json:"duration"`
	NodesApplied int              `json:"nodes_applied"`
	Error        *string          `json:"error,omitempty"`
	ErrorCode    *string          `json:"error_code,omitempty"`

	// FailedNode is the uuid path of the node whose apply failed.
	FailedNode *string   `json:"failed_node,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Frame is the ledger row of one frame of the frame cache.
type Frame struct {
	Frame     int               `json:"frame"`
	State     engine.FrameState `json:"state"`
	Dir       string            `json:"dir"`
	Objects   int               `json:"objects"`
	Bytes     int               `json:"bytes"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Event is a persisted observer notification.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Topic     string    `json:"topic"`
	RunID     *string   `json:"run_id,omitempty"`
	Frame     *int      `json:"frame,omitempty"`
	Name      *string   `json:"name,omitempty"`
	Message   *string   `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the ledger surface the CLI reads and a session writes.
type Store interface {
	cache.FrameRecorder

	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)

	GetFrame(ctx context.Context, frame int) (*Frame, error)
	ListFrames(ctx context.Context, state *engine.FrameState) ([]*Frame, error)

	AppendEvent(ctx context.Context, event telemetry.Event) error
	GetEvents(ctx context.Context, topic, runID *string, limit, offset int) ([]*Event, error)

	Close() error
}
