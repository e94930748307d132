package requestlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localdns/pkg/config"
	"localdns/pkg/logging"
	"localdns/pkg/storage"
	"localdns/pkg/telemetry"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "requestlog.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewRequestID_Unique(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestSink_EnqueueAndFlush(t *testing.T) {
	db := openTestDB(t)
	sink := NewSink(db, logging.NewDefault())

	sink.Enqueue(Entry{
		RequestID:      NewRequestID(),
		ClientIP:       "10.0.0.1",
		Name:           "example.com.",
		QuestionType:   "A",
		ResponseStatus: "NOERROR",
		ElapsedMS:      1.5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	var count int
	require.NoError(t, db.Conn().QueryRow("select count(*) from request_logs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSink_EnqueueManyTriggersBatchFlush(t *testing.T) {
	db := openTestDB(t)
	sink := NewSink(db, logging.NewDefault())

	for i := 0; i < 100; i++ {
		sink.Enqueue(Entry{
			RequestID:    NewRequestID(),
			ClientIP:     "10.0.0.1",
			Name:         "example.com.",
			QuestionType: "A",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	var count int
	require.NoError(t, db.Conn().QueryRow("select count(*) from request_logs").Scan(&count))
	assert.Equal(t, 100, count)
}

func TestSink_CloseIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	sink := NewSink(db, logging.NewDefault())

	ctx := context.Background()
	require.NoError(t, sink.Close(ctx))
	require.NoError(t, sink.Close(ctx))
}

func TestSink_DropIncrementsMetricWithoutPanicking(t *testing.T) {
	db := openTestDB(t)
	sink := NewSink(db, logging.NewDefault())

	tel, err := telemetry.New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDefault())
	require.NoError(t, err)
	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	sink.SetMetrics(metrics)

	// Fill the queue past capacity so Enqueue takes the drop branch.
	for i := 0; i < queueCapacity+10; i++ {
		sink.Enqueue(Entry{RequestID: NewRequestID(), Name: "example.com."})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
}
