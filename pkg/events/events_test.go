package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func TestRecorderFiltersByType(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	r.Publish(ctx, Event{Type: TypeBatchScheduled, Timestamp: time.Now()})
	r.Publish(ctx, Event{Type: TypeLeaseLost, Timestamp: time.Now()})
	r.Publish(ctx, Event{Type: TypeBatchScheduled, Timestamp: time.Now()})

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.Events(TypeBatchScheduled), 2)
	assert.Len(t, r.Events(TypeLeaseLost, TypeBatchScheduled), 3)
	assert.Empty(t, r.Events(TypeBlobsCollected))
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	sink := Multi{a, b, NewLogSink(logr.Discard()), Discard}

	sink.Publish(context.Background(), Event{Type: TypeStepCompleted, Data: map[string]interface{}{"jobId": "j1"}})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, "j1", a.Events()[0].Data["jobId"])
}
