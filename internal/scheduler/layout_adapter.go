package scheduler

import (
	"context"

	"github.com/local/vectorprint/internal/layout"
	"github.com/local/vectorprint/internal/metadata"
)

// LayoutEngine adapts *layout.Engine to the Renderer interface. Go
// requires a method's declared return type to match an interface's
// method signature exactly, so *layout.Engine can't satisfy Renderer
// directly: its PrepareSource returns the concrete *layout.PreparedSource
// rather than the scheduler-defined RenderSource interface. This adapter
// is the seam between the two packages instead.
type LayoutEngine struct {
	*layout.Engine
}

// NewLayoutEngine wraps a layout engine for use as a scheduler Renderer.
func NewLayoutEngine(e *layout.Engine) LayoutEngine {
	return LayoutEngine{Engine: e}
}

func (l LayoutEngine) PrepareSource(ctx context.Context, md metadata.VectorMetadata) (RenderSource, error) {
	src, err := l.Engine.PrepareSource(ctx, md)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (l LayoutEngine) MergeBatches(ctx context.Context, batches [][]byte) ([]byte, error) {
	return l.Engine.MergeBatches(ctx, batches)
}
