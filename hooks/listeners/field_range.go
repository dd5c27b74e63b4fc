package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusdoc/hooks"
)

// Thresholds defines the min/max acceptable values for a numeric field.
type Thresholds struct {
	Min float64
	Max float64
}

// FieldRangeRule bounds a numeric field of one collection. When Reject is
// set, an out-of-range write is refused; otherwise it is only logged.
type FieldRangeRule struct {
	Collection string
	Field      string
	Thresholds Thresholds
	Reject     bool
}

// FieldRangeListener checks documents on PreWrite against configured numeric ranges.
type FieldRangeListener struct {
	logger *slog.Logger
	rules  map[string][]FieldRangeRule // collection -> rules
}

// NewFieldRangeListener creates a listener from rules.
func NewFieldRangeListener(logger *slog.Logger, rules []FieldRangeRule) *FieldRangeListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	byCollection := make(map[string][]FieldRangeRule)
	for _, rule := range rules {
		byCollection[rule.Collection] = append(byCollection[rule.Collection], rule)
	}
	return &FieldRangeListener{
		logger: logger.With("component", "FieldRangeListener"),
		rules:  byCollection,
	}
}

// OutOfRangeError is returned from PreWrite when a rejecting rule fails.
type OutOfRangeError struct {
	Collection string
	Field      string
	Value      float64
	Thresholds Thresholds
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("field %s.%s value %v outside [%v, %v]", e.Collection, e.Field, e.Value, e.Thresholds.Min, e.Thresholds.Max)
}

func (l *FieldRangeListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreWrite {
		return nil
	}
	payload, ok := event.Payload().(hooks.PreWritePayload)
	if !ok || payload.Document == nil {
		l.logger.Error("Received PreWrite event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	doc := payload.Document
	for _, rule := range l.rules[doc.Collection] {
		v, ok := doc.Get(rule.Field)
		if !ok {
			continue
		}
		n, isNumeric := v.Number()
		if !isNumeric {
			continue
		}
		if n >= rule.Thresholds.Min && n <= rule.Thresholds.Max {
			continue
		}
		if rule.Reject {
			return &OutOfRangeError{Collection: doc.Collection, Field: rule.Field, Value: n, Thresholds: rule.Thresholds}
		}
		l.logger.Warn("Field value outside expected range",
			"collection", doc.Collection,
			"doc_id", doc.ID,
			"field", rule.Field,
			"value", n,
			"min_threshold", rule.Thresholds.Min,
			"max_threshold", rule.Thresholds.Max,
		)
	}
	return nil
}

func (l *FieldRangeListener) Priority() int { return 100 }

// IsAsync is false; PreWrite hooks always run inline.
func (l *FieldRangeListener) IsAsync() bool { return false }
