package chatsync

import (
	"iter"
	"slices"
	"sort"
	"time"
)

// DefaultEchoWindow bounds how long a pending local copy waits to be matched
// against its server copy.
const DefaultEchoWindow = 10 * time.Second

// AppendResult reports what Append did with a message.
type AppendResult int

const (
	// Appended means the message is new to the log.
	Appended AppendResult = iota
	// Reconciled means the message replaced a pending local copy.
	Reconciled
	// Duplicate means an entry with the same identity was already present.
	Duplicate
)

// MessageLog is the ordered, deduplicated message list of one room.
//
// Entries are kept in non-decreasing CreatedAt order; ties keep insertion
// order. MessageLog is not safe for concurrent use.
type MessageLog struct {
	roomID     ID
	messages   []Message
	echoWindow time.Duration
	now        func() time.Time
}

// NewMessageLog creates an empty log. A non-positive window means
// DefaultEchoWindow.
func NewMessageLog(echoWindow time.Duration) *MessageLog {
	if echoWindow <= 0 {
		echoWindow = DefaultEchoWindow
	}
	return &MessageLog{echoWindow: echoWindow, now: time.Now}
}

// RoomID returns the room the log was seeded for.
func (l *MessageLog) RoomID() ID { return l.roomID }

// Len returns the number of entries.
func (l *MessageLog) Len() int { return len(l.messages) }

// Messages returns a copy of the entries in order.
func (l *MessageLog) Messages() []Message { return slices.Clone(l.messages) }

// Reset evicts every entry and attaches the log to roomID.
func (l *MessageLog) Reset(roomID ID) {
	l.roomID = roomID
	l.messages = nil
}

// Seed replaces the log wholesale.
func (l *MessageLog) Seed(roomID ID, msgs []Message) {
	l.roomID = roomID
	l.messages = uniqueSorted(nil, msgs)
}

// Reseed replaces the log with a history page and carries over live entries
// that arrived before it. A pending local copy whose server copy is already
// on the page is folded into that entry, which keeps the time the local copy
// was shown with. Each page entry absorbs at most one local copy.
func (l *MessageLog) Reseed(roomID ID, history, live []Message) {
	l.Seed(roomID, history)
	claimed := make(map[ID]struct{})
	for _, m := range live {
		if m.FromSelf && m.Pending {
			if i := l.serverCopy(m, claimed); i >= 0 {
				claimed[l.messages[i].ID] = struct{}{}
				if !m.DisplayAt.IsZero() {
					l.messages[i].DisplayAt = m.DisplayAt
				}
				continue
			}
		}
		l.Append(m)
	}
}

// Prepend merges a page of older messages and reports whether it added any
// entry. A page made only of known messages counts as empty.
func (l *MessageLog) Prepend(page []Message) bool {
	fresh := uniqueSorted(l.messages, page)
	if len(fresh) == 0 {
		return false
	}
	if len(l.messages) == 0 || !fresh[len(fresh)-1].CreatedAt.After(l.messages[0].CreatedAt) {
		l.messages = append(fresh, l.messages...)
		return true
	}
	merged := make([]Message, 0, len(fresh)+len(l.messages))
	i, j := 0, 0
	for i < len(fresh) && j < len(l.messages) {
		if !fresh[i].CreatedAt.After(l.messages[j].CreatedAt) {
			merged = append(merged, fresh[i])
			i++
		} else {
			merged = append(merged, l.messages[j])
			j++
		}
	}
	merged = append(merged, fresh[i:]...)
	merged = append(merged, l.messages[j:]...)
	l.messages = merged
	return true
}

// Append inserts a single live message.
//
// A message whose ID is already present is a duplicate. A message that is
// not self-origin and matches a pending self-origin entry by sender and body
// within the echo window replaces that entry, keeping the time it was shown
// with.
func (l *MessageLog) Append(m Message) AppendResult {
	if m.ID != "" && l.indexOf(m.ID) >= 0 {
		return Duplicate
	}
	if !m.FromSelf {
		if i := l.pendingEcho(m); i >= 0 {
			if shown := l.messages[i].DisplayAt; !shown.IsZero() {
				m.DisplayAt = shown
			}
			l.messages = slices.Delete(l.messages, i, i+1)
			l.insert(m)
			return Reconciled
		}
	}
	l.insert(m)
	return Appended
}

// Remove drops the entry with the given id and reports whether it existed.
func (l *MessageLog) Remove(id ID) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.messages = slices.Delete(l.messages, i, i+1)
	return true
}

// Earliest returns the creation time of the oldest entry.
func (l *MessageLog) Earliest() (time.Time, bool) {
	if len(l.messages) == 0 {
		return time.Time{}, false
	}
	return l.messages[0].CreatedAt, true
}

// Grouped yields (label, message) pairs in render order. label is the day
// label on the first message of each calendar day and empty otherwise. Each
// iteration reads the log's current state.
func (l *MessageLog) Grouped() iter.Seq2[string, Message] {
	return func(yield func(string, Message) bool) {
		GroupByDay(l.messages)(yield)
	}
}

// GroupByDay yields (label, message) pairs for an ordered message slice.
func GroupByDay(msgs []Message) iter.Seq2[string, Message] {
	return func(yield func(string, Message) bool) {
		last := ""
		for _, m := range msgs {
			label := ""
			if day := DayLabel(m); day != last {
				label, last = day, day
			}
			if !yield(label, m) {
				return
			}
		}
	}
}

func (l *MessageLog) indexOf(id ID) int {
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *MessageLog) pendingEcho(m Message) int {
	now := l.now()
	for i := len(l.messages) - 1; i >= 0; i-- {
		e := l.messages[i]
		if !e.FromSelf || !e.Pending {
			continue
		}
		if e.SenderID != m.SenderID || e.Body != m.Body {
			continue
		}
		if now.Sub(e.CreatedAt) > l.echoWindow {
			continue
		}
		return i
	}
	return -1
}

// serverCopy finds the newest unclaimed server entry matching the pending
// local copy e. The local copy must still be inside the echo window and the
// server entry must not predate it by more than the window.
func (l *MessageLog) serverCopy(e Message, claimed map[ID]struct{}) int {
	if l.now().Sub(e.CreatedAt) > l.echoWindow {
		return -1
	}
	for i := len(l.messages) - 1; i >= 0; i-- {
		m := l.messages[i]
		if m.FromSelf || m.SenderID != e.SenderID || m.Body != e.Body {
			continue
		}
		if _, ok := claimed[m.ID]; ok {
			continue
		}
		if e.CreatedAt.Sub(m.CreatedAt) > l.echoWindow {
			break
		}
		return i
	}
	return -1
}

func (l *MessageLog) insert(m Message) {
	i := sort.Search(len(l.messages), func(i int) bool {
		return l.messages[i].CreatedAt.After(m.CreatedAt)
	})
	l.messages = slices.Insert(l.messages, i, m)
}

// uniqueSorted returns msgs sorted by CreatedAt with entries whose ID appears
// in known or earlier in msgs removed.
func uniqueSorted(known, msgs []Message) []Message {
	seen := make(map[ID]struct{}, len(known)+len(msgs))
	for _, m := range known {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
