package chatsync

// NearTopThreshold is the default distance, in pixels, from the top of the
// scrollable region below which older history should be requested.
const NearTopThreshold = 100

// ViewportMetrics is a measurement of the scrollable history region.
type ViewportMetrics struct {
	Height int // total scrollable content height
	Offset int // current scroll offset from the top
}

// Viewport abstracts the rendering layer's scrollable region.
type Viewport interface {
	Metrics() ViewportMetrics
	SetOffset(offset int)
}

// ScrollAnchor preserves the reading position when older history is
// prepended: the same messages stay visually in place despite new content
// above them.
//
// Measuring synchronously right after a state update is unreliable, so
// restoration runs through a deferral hook; rendering layers pass their
// next-frame scheduler. A nil hook runs the restore immediately, which only
// suits layouts that settle synchronously (and tests).
type ScrollAnchor struct {
	viewport Viewport
	deferFn  func(func())
}

// NewScrollAnchor creates an anchor over the viewport. deferFn may be nil.
func NewScrollAnchor(viewport Viewport, deferFn func(func())) *ScrollAnchor {
	if deferFn == nil {
		deferFn = func(f func()) { f() }
	}
	return &ScrollAnchor{viewport: viewport, deferFn: deferFn}
}

// NearTop reports whether the viewport has scrolled within threshold pixels
// of the top, i.e. whether a LoadOlder should be triggered. A non-positive
// threshold means NearTopThreshold.
func (s *ScrollAnchor) NearTop(threshold int) bool {
	if threshold <= 0 {
		threshold = NearTopThreshold
	}
	return s.viewport.Metrics().Offset <= threshold
}

// CaptureBefore records the viewport immediately prior to prepending.
func (s *ScrollAnchor) CaptureBefore() ViewportMetrics {
	return s.viewport.Metrics()
}

// RestoreAfter compensates the scroll offset for prepended content once
// layout has settled: newOffset = before.Offset + (newHeight - before.Height).
func (s *ScrollAnchor) RestoreAfter(before ViewportMetrics) {
	s.deferFn(func() {
		after := s.viewport.Metrics()
		s.viewport.SetOffset(before.Offset + (after.Height - before.Height))
	})
}
