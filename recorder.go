package atropos

import (
	"context"

	"github.com/atropos/atropos/pkg/session"
	"github.com/atropos/atropos/pkg/storage"
)

// RunRecorder receives callbacks from the pipeline to persist run state.
// *storage.Journal implements it.
type RunRecorder interface {
	StartRun(ctx context.Context, run storage.Run) error
	UpdateRun(ctx context.Context, run storage.Run) error
	FinishRun(ctx context.Context, id, status, errorKind string, runErr error) error
	MessageSink(runID string) session.MessageSink
}

var _ RunRecorder = (*storage.Journal)(nil)

type noopRecorder struct{}

func (noopRecorder) StartRun(context.Context, storage.Run) error  { return nil }
func (noopRecorder) UpdateRun(context.Context, storage.Run) error { return nil }

func (noopRecorder) FinishRun(context.Context, string, string, string, error) error { return nil }

func (noopRecorder) MessageSink(string) session.MessageSink { return nil }
