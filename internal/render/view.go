package render

import (
	"log/slog"
	"sync"
)

// View holds the render currently on display. Results are accepted out of
// order; one older than what is displayed is discarded, and a failed one
// leaves the previous render in place.
type View struct {
	logger *slog.Logger

	mu        sync.Mutex
	shown     Result
	displayed bool
}

// NewView returns an empty view.
func NewView(logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{logger: logger}
}

// Accept offers a fetch result and reports whether it is now displayed.
func (v *View) Accept(res Result) bool {
	if res.Err != nil {
		v.logger.Warn("render failed, keeping previous diagram", "seq", res.Render.Seq, "error", res.Err)
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.displayed && res.Render.Seq <= v.shown.Render.Seq {
		v.logger.Debug("discarding stale render", "seq", res.Render.Seq, "displayed", v.shown.Render.Seq)
		return false
	}
	v.shown = res
	v.displayed = true
	return true
}

// Current returns the displayed result, if any.
func (v *View) Current() (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shown, v.displayed
}
