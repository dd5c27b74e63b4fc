package listeners

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldRangeListener_OnEvent(t *testing.T) {
	listener := NewFieldRangeListener(nil, []FieldRangeRule{
		{Collection: "sensors", Field: "temp", Thresholds: Thresholds{Min: -40, Max: 85}, Reject: true},
		{Collection: "sensors", Field: "humidity", Thresholds: Thresholds{Min: 0, Max: 100}},
	})

	testCases := []struct {
		name    string
		values  map[string]any
		wantErr bool
	}{
		{"in range", map[string]any{"temp": 20, "humidity": 50.5}, false},
		{"reject rule violated", map[string]any{"temp": 120.0}, true},
		{"log-only rule violated", map[string]any{"humidity": 140}, false},
		{"non numeric ignored", map[string]any{"temp": "hot"}, false},
		{"field missing", map[string]any{"other": 1}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			names := make([]string, 0, len(tc.values))
			for k := range tc.values {
				names = append(names, k)
			}
			doc, err := core.NewDocument("sensors", "s1", names, tc.values)
			require.NoError(t, err)

			err = listener.OnEvent(context.Background(), hooks.NewPreWriteEvent(hooks.PreWritePayload{Document: doc}))
			if tc.wantErr {
				var rangeErr *OutOfRangeError
				require.True(t, errors.As(err, &rangeErr))
				assert.Equal(t, "temp", rangeErr.Field)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	// other collections are untouched
	doc, err := core.NewDocument("other", "x", []string{"temp"}, map[string]any{"temp": 1000})
	require.NoError(t, err)
	assert.NoError(t, listener.OnEvent(context.Background(), hooks.NewPreWriteEvent(hooks.PreWritePayload{Document: doc})))
}

func TestFieldRangeListener_VetoesThroughManager(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	manager.Register(hooks.EventPreWrite, NewFieldRangeListener(nil, []FieldRangeRule{
		{Collection: "c", Field: "n", Thresholds: Thresholds{Min: 0, Max: 1}, Reject: true},
	}))
	doc, err := core.NewDocument("c", "1", []string{"n"}, map[string]any{"n": 5})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), hooks.NewPreWriteEvent(hooks.PreWritePayload{Document: doc}))
	var rangeErr *OutOfRangeError
	assert.True(t, errors.As(err, &rangeErr))
}

func TestUniqueViolationAlerter(t *testing.T) {
	alerter := NewUniqueViolationAlerter(nil)
	v := &core.UniqueConstraintError{Collection: "users", Index: "email_1", Key: "a@b", ExistingDocID: "u1", RejectedDocID: "u2"}
	for i := 0; i < 3; i++ {
		require.NoError(t, alerter.OnEvent(context.Background(), hooks.NewPostUniqueViolationEvent(hooks.PostUniqueViolationPayload{Violation: v, CompensationSeqNum: uint64(10 + i)})))
	}
	require.NoError(t, alerter.OnEvent(context.Background(), hooks.NewPostWriteEvent(hooks.PostWritePayload{})))
	assert.Equal(t, int64(3), alerter.Count("users", "email_1"))
	assert.Zero(t, alerter.Count("users", "name_1"))
	assert.True(t, alerter.IsAsync())
}

func TestWriteAmplificationListener_OnEvent(t *testing.T) {
	initWAFMetrics()
	totalBytesRead.Set(0)
	totalBytesWritten.Set(0)
	compactionEvents.Set(0)

	listener := NewWriteAmplificationListener(nil)
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostCompactionEvent(hooks.PostCompactionPayload{
		Collection: "users", BytesRead: 2500, BytesWritten: 2000, LiveRecords: 10,
	})))
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostCompactionEvent(hooks.PostCompactionPayload{
		Collection: "users", BytesRead: 500, BytesWritten: 400,
	})))

	assert.Equal(t, int64(3000), totalBytesRead.Value())
	assert.Equal(t, int64(2400), totalBytesWritten.Value())
	assert.Equal(t, int64(2), compactionEvents.Value())

	wafVar := expvar.Get("nexusdoc_compaction_waf")
	require.NotNil(t, wafVar)
	var waf float64
	require.NoError(t, json.Unmarshal([]byte(wafVar.String()), &waf))
	assert.InDelta(t, 0.8, waf, 1e-9)

	// wrong payload is ignored
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostWriteEvent(hooks.PostWritePayload{})))
	assert.Equal(t, int64(2), compactionEvents.Value())
}
