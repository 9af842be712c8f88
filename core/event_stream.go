package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"lienchain/core/types"
	"lienchain/observability"
)

const loanEventHistoryLimit = 2048

// Paging bounds for cursor reads over the event feed.
const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
)

// LoanEventEntry is one entry in the settlement event feed. Sequence numbers
// are assigned in commit order and the cursor is its decimal rendering, so a
// consumer can resume exactly where it stopped.
type LoanEventEntry struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func cloneLoanEventEntry(entry LoanEventEntry) LoanEventEntry {
	cloned := entry
	if len(entry.Attributes) > 0 {
		attrs := make(map[string]string, len(entry.Attributes))
		for key, value := range entry.Attributes {
			attrs[key] = value
		}
		cloned.Attributes = attrs
	}
	return cloned
}

func (n *Node) publishLoanEvent(evt *types.Event, timestamp int64) {
	if n == nil || evt == nil || evt.Type == "" {
		return
	}

	entry := LoanEventEntry{
		Type:       evt.Type,
		Attributes: evt.Attributes,
		Timestamp:  timestamp,
	}

	n.eventMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan LoanEventEntry)
	}
	n.eventSeq++
	entry.Sequence = n.eventSeq
	entry.Cursor = strconv.FormatUint(entry.Sequence, 10)
	stored := cloneLoanEventEntry(entry)
	n.eventHistory = append(n.eventHistory, stored)
	if len(n.eventHistory) > loanEventHistoryLimit {
		excess := len(n.eventHistory) - loanEventHistoryLimit
		trimmed := make([]LoanEventEntry, loanEventHistoryLimit)
		copy(trimmed, n.eventHistory[excess:])
		n.eventHistory = trimmed
	}
	subscribers := make([]chan LoanEventEntry, 0, len(n.eventSubs))
	for _, ch := range n.eventSubs {
		subscribers = append(subscribers, ch)
	}
	n.eventMu.Unlock()

	observability.Events().RecordEvent(entry.Type)

	broadcast := cloneLoanEventEntry(entry)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// LoanEvents returns up to limit feed entries with a sequence greater than the
// supplied cursor, together with the cursor a caller should pass to resume.
// Entries older than the retained history window are gone; callers that fall
// too far behind restart from an empty cursor.
func (n *Node) LoanEvents(cursor string, limit int) ([]LoanEventEntry, string, error) {
	if n == nil {
		return nil, "", fmt.Errorf("node not initialised")
	}
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}
	if limit <= 0 {
		limit = defaultEventPageSize
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	n.eventMu.Lock()
	history := make([]LoanEventEntry, len(n.eventHistory))
	copy(history, n.eventHistory)
	n.eventMu.Unlock()

	page := make([]LoanEventEntry, 0, limit)
	next := strings.TrimSpace(cursor)
	for _, entry := range history {
		if entry.Sequence <= since {
			continue
		}
		page = append(page, cloneLoanEventEntry(entry))
		next = entry.Cursor
		if len(page) == limit {
			break
		}
	}
	return page, next, nil
}

// LoanEventsHead returns the feed identifier together with the sequence
// number of the newest entry, zero when nothing has been published. The feed
// is in-memory and renumbers from one on every start; a consumer that stored
// its cursor under a different identifier must discard the cursor and resume
// from the beginning.
func (n *Node) LoanEventsHead() (string, uint64) {
	if n == nil {
		return "", 0
	}
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	return n.eventFeedID, n.eventSeq
}

// LoanEventsSubscribe registers a subscriber for settlement events starting
// after the supplied cursor. The returned backlog covers retained history past
// the cursor; subsequent entries arrive on the channel. Slow consumers miss
// entries rather than blocking settlement, so a consumer that must not lose
// events should reconcile against LoanEvents with its last seen cursor.
func (n *Node) LoanEventsSubscribe(ctx context.Context, cursor string) (<-chan LoanEventEntry, func(), []LoanEventEntry, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan LoanEventEntry, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	n.eventMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan LoanEventEntry)
	}
	id := n.eventNextID
	n.eventNextID++
	n.eventSubs[id] = updates
	history := make([]LoanEventEntry, len(n.eventHistory))
	copy(history, n.eventHistory)
	n.eventMu.Unlock()

	backlog := make([]LoanEventEntry, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneLoanEventEntry(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.eventMu.Lock()
			sub, ok := n.eventSubs[id]
			if ok {
				delete(n.eventSubs, id)
				close(sub)
			}
			n.eventMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
