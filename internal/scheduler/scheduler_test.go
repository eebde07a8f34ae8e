package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestSchedulerRunsTasks(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	var fast, slow atomic.Int32
	s.Every("fast", 5*time.Millisecond, func(context.Context) { fast.Add(1) })
	s.Every("slow", 50*time.Millisecond, func(context.Context) { slow.Add(1) })
	s.Every("disabled", 0, func(context.Context) { t.Error("disabled task ran") })

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return fast.Load() >= 3 && slow.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestSchedulerStop(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	var runs atomic.Int32
	s.Every("task", time.Millisecond, func(context.Context) { runs.Add(1) })
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestSchedulerContextCancel(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	var runs atomic.Int32
	s.Every("task", time.Millisecond, func(context.Context) { runs.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	s.Stop()
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	var runs atomic.Int32
	s.Every("boom", time.Millisecond, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
}
