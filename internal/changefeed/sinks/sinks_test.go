package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
)

func batch(ids ...int64) []changefeed.Event {
	out := make([]changefeed.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, changefeed.Event{
			Kind: forum.KindMessage, ID: id, Op: changefeed.OpInsert, At: time.Now(),
		})
	}
	return out
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(zap.NewNop())
	require.NoError(t, s.Consume(context.Background(), batch(1, 2)))
	require.NoError(t, s.Close(context.Background()))
}

func TestPrometheusSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, s.Consume(context.Background(), batch(1, 2, 3)))
	got := testutil.ToFloat64(s.changesTotal.WithLabelValues("message", "insert"))
	assert.Equal(t, float64(3), got)
}

func TestPrometheusSinkDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}

func TestStreamSinkFanOut(t *testing.T) {
	s := NewStreamSink()
	ch1, cancel1 := s.Subscribe()
	ch2, cancel2 := s.Subscribe()
	defer cancel2()

	require.NoError(t, s.Consume(context.Background(), batch(7)))
	assert.Equal(t, int64(7), (<-ch1).ID)
	assert.Equal(t, int64(7), (<-ch2).ID)

	// A cancelled subscriber's channel closes and stops receiving.
	cancel1()
	_, open := <-ch1
	assert.False(t, open)

	require.NoError(t, s.Consume(context.Background(), batch(8)))
	assert.Equal(t, int64(8), (<-ch2).ID)
}

func TestStreamSinkDropsWhenSubscriberFull(t *testing.T) {
	s := NewStreamSink()
	ch, cancel := s.Subscribe()
	defer cancel()

	ids := make([]int64, subscriberBuffer+10)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	require.NoError(t, s.Consume(context.Background(), batch(ids...)))

	// The buffer is full; the overflow was dropped rather than blocking.
	assert.Len(t, ch, subscriberBuffer)
}

func TestStreamSinkCloseEndsSubscribers(t *testing.T) {
	s := NewStreamSink()
	ch, _ := s.Subscribe()
	require.NoError(t, s.Close(context.Background()))
	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields an already-closed channel.
	late, cancel := s.Subscribe()
	defer cancel()
	_, open = <-late
	assert.False(t, open)
}
