package chatsync

import "time"

// LiveOffset is the fixed correction applied to live-socket timestamps of
// messages that were not stamped locally.
const LiveOffset = 9 * time.Hour

// DayLayout formats the day label used for grouping.
const DayLayout = "2006-01-02"

// Normalizer turns server timestamps into display values.
//
// History timestamps are absolute and are only converted to the viewer's
// location. Live timestamps are treated as naive: self-origin copies were
// stamped locally and pass through unchanged, everything else is shifted by
// Offset.
type Normalizer struct {
	Location *time.Location
	Offset   time.Duration
}

// NewNormalizer returns a Normalizer for loc using LiveOffset. A nil loc
// means time.Local.
func NewNormalizer(loc *time.Location) Normalizer {
	return Normalizer{Location: loc, Offset: LiveOffset}
}

func (n Normalizer) location() *time.Location {
	if n.Location == nil {
		return time.Local
	}
	return n.Location
}

// History normalizes a message returned by the history endpoint.
func (n Normalizer) History(m Message) Message {
	m.DisplayAt = m.CreatedAt.In(n.location())
	return m
}

// Live normalizes a message delivered on the room socket or stamped locally.
func (n Normalizer) Live(m Message) Message {
	if m.FromSelf {
		m.DisplayAt = m.CreatedAt
		return m
	}
	m.DisplayAt = m.CreatedAt.UTC().Add(n.Offset)
	return m
}

// DayLabel returns the calendar-day label for a normalized message.
func DayLabel(m Message) string {
	t := m.DisplayAt
	if t.IsZero() {
		t = m.CreatedAt
	}
	return t.Format(DayLayout)
}
