package chatsync

// DefaultScrollThreshold is the distance from the top, in viewport units,
// within which scrolling triggers an older-page load.
const DefaultScrollThreshold = 64

// Viewport is the scroll container rendering the active room's messages.
type Viewport interface {
	ScrollOffset() float64
	ContentHeight() float64
	ScrollTo(offset float64)
}

// Paginator tracks backward history loading for one room.
//
// At most one load is in flight. Once a load returns an empty page the
// history is exhausted and no further load starts until Reset.
type Paginator struct {
	threshold float64

	inFlight    bool
	exhausted   bool
	priorOffset float64
	priorHeight float64
}

// NewPaginator returns a Paginator. A non-positive threshold means
// DefaultScrollThreshold.
func NewPaginator(threshold float64) *Paginator {
	if threshold <= 0 {
		threshold = DefaultScrollThreshold
	}
	return &Paginator{threshold: threshold}
}

// Reset clears state for a newly selected room.
func (p *Paginator) Reset() {
	*p = Paginator{threshold: p.threshold}
}

func (p *Paginator) InFlight() bool  { return p.inFlight }
func (p *Paginator) Exhausted() bool { return p.exhausted }

// ShouldLoad reports whether a scroll to offset warrants a load.
func (p *Paginator) ShouldLoad(offset float64) bool {
	return offset <= p.threshold && p.CanLoad()
}

// CanLoad reports whether a load may start regardless of scroll position.
func (p *Paginator) CanLoad() bool {
	return !p.inFlight && !p.exhausted
}

// Begin marks a load in flight and captures the viewport geometry. It
// returns false when a load may not start.
func (p *Paginator) Begin(vp Viewport) bool {
	if !p.CanLoad() {
		return false
	}
	p.inFlight = true
	p.priorOffset, p.priorHeight = 0, 0
	if vp != nil {
		p.priorOffset = vp.ScrollOffset()
		p.priorHeight = vp.ContentHeight()
	}
	return true
}

// Complete finishes a load. The caller has already rendered the prepended
// page, so vp reports the new content height. A non-empty page keeps the
// viewed content stationary; an empty one exhausts history and pins the
// scroll to the top.
func (p *Paginator) Complete(nonEmpty bool, vp Viewport) {
	p.inFlight = false
	if !nonEmpty {
		p.exhausted = true
		if vp != nil {
			vp.ScrollTo(0)
		}
		return
	}
	if vp != nil {
		vp.ScrollTo(p.priorOffset + vp.ContentHeight() - p.priorHeight)
	}
}

// Fail finishes a load that returned an error. History is not exhausted.
func (p *Paginator) Fail() {
	p.inFlight = false
}

// Exhaust marks the history as fully loaded.
func (p *Paginator) Exhaust() {
	p.exhausted = true
}
