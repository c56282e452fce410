package thread

import (
	"context"
	"sort"
	"time"
)

// Batch resolves a set of messages fetched together. Messages are resolved
// oldest first and each result is remembered, so replies whose parents are in
// the same fetch group with them before the cache has caught up.
type Batch struct {
	base      Index
	window    time.Time
	byMessage map[string]string
	bySubject map[string]subjectEntry
}

type subjectEntry struct {
	threadID string
	date     *time.Time
}

// NewBatch returns a Batch that falls back to base for anything it has not seen.
func NewBatch(base Index, window time.Time) *Batch {
	return &Batch{
		base:      base,
		window:    window,
		byMessage: make(map[string]string),
		bySubject: make(map[string]subjectEntry),
	}
}

// ThreadForMessageIDs implements Index.
func (b *Batch) ThreadForMessageIDs(ctx context.Context, messageIDs []string) (string, error) {
	for _, id := range messageIDs {
		if threadID, ok := b.byMessage[NormalizeMessageID(id)]; ok {
			return threadID, nil
		}
	}
	if b.base == nil {
		return "", nil
	}
	return b.base.ThreadForMessageIDs(ctx, messageIDs)
}

// ThreadForSubject implements Index.
func (b *Batch) ThreadForSubject(ctx context.Context, normalizedSubject string, since time.Time) (string, error) {
	if e, ok := b.bySubject[normalizedSubject]; ok && (e.date == nil || !e.date.Before(since)) {
		return e.threadID, nil
	}
	if b.base == nil {
		return "", nil
	}
	return b.base.ThreadForSubject(ctx, normalizedSubject, since)
}

// Resolve resolves one message and records the result.
func (b *Batch) Resolve(ctx context.Context, in Input) (string, error) {
	threadID, err := Resolve(ctx, in, b, b.window)
	if err != nil {
		return "", err
	}
	if id := NormalizeMessageID(in.MessageID); id != "" {
		b.byMessage[id] = threadID
	}
	if subject := NormalizeSubject(in.Subject); subject != "" {
		if _, ok := b.bySubject[subject]; !ok {
			b.bySubject[subject] = subjectEntry{threadID: threadID, date: in.Date}
		}
	}
	return threadID, nil
}

// ResolveAll resolves inputs oldest first and returns thread ids keyed by
// normalized Message-ID.
func (b *Batch) ResolveAll(ctx context.Context, inputs []Input) (map[string]string, error) {
	ordered := make([]Input, len(inputs))
	copy(ordered, inputs)
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := ordered[i].Date, ordered[j].Date
		if di == nil {
			return false
		}
		if dj == nil {
			return true
		}
		return di.Before(*dj)
	})

	out := make(map[string]string, len(ordered))
	for _, in := range ordered {
		threadID, err := b.Resolve(ctx, in)
		if err != nil {
			return nil, err
		}
		out[NormalizeMessageID(in.MessageID)] = threadID
	}
	return out, nil
}
