package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusdoc/hooks"
)

// UniqueViolationAlerter logs rejected writes and counts them per index, so
// an application repeatedly colliding on the same key is visible.
type UniqueViolationAlerter struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int64 // "collection/index" -> violations
}

func NewUniqueViolationAlerter(logger *slog.Logger) *UniqueViolationAlerter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &UniqueViolationAlerter{
		logger: logger.With("component", "UniqueViolationAlerter"),
		counts: make(map[string]int64),
	}
}

func (l *UniqueViolationAlerter) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostUniqueViolation {
		return nil
	}
	payload, ok := event.Payload().(hooks.PostUniqueViolationPayload)
	if !ok || payload.Violation == nil {
		l.logger.Error("Received PostUniqueViolation event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	v := payload.Violation
	key := v.Collection + "/" + v.Index

	l.mu.Lock()
	l.counts[key]++
	n := l.counts[key]
	l.mu.Unlock()

	l.logger.Warn("Unique constraint violation",
		"collection", v.Collection,
		"index", v.Index,
		"key", v.Key,
		"existing_doc_id", v.ExistingDocID,
		"rejected_doc_id", v.RejectedDocID,
		"compensation_seq", payload.CompensationSeqNum,
		"total_for_index", n,
	)
	return nil
}

// Count returns the violations seen for collection/index.
func (l *UniqueViolationAlerter) Count(collection, index string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[collection+"/"+index]
}

func (l *UniqueViolationAlerter) Priority() int { return 100 }

func (l *UniqueViolationAlerter) IsAsync() bool { return true }
