package taskpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	iface "EggDetServer/interface"
)

// recorder collects callback invocations in delivery order.
type recorder struct {
	mu       sync.Mutex
	progress []int
	results  []any
	errs     []error
	order    []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(n int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, n)
			r.order = append(r.order, "progress")
		},
		OnResult: func(v any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, v)
			r.order = append(r.order, "result")
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
			r.order = append(r.order, "error")
		},
	}
}

func wait(t *testing.T, h *Handle) iface.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestSubmit(t *testing.T) {
	p := New(2, 4, zaptest.NewLogger(t))
	defer p.Close()

	t.Run("progress then result", func(t *testing.T) {
		rec := &recorder{}
		h, err := p.Submit("count", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			for i := 1; i <= 5; i++ {
				sink.Progress(i)
			}
			return 5, nil
		}, rec.callbacks())
		require.NoError(t, err)
		assert.NotEmpty(t, h.ID)

		out := wait(t, h)
		assert.True(t, out.Success())
		assert.Equal(t, 5, out.Payload)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.progress)
		assert.Equal(t, []any{5}, rec.results)
		assert.Empty(t, rec.errs)
		assert.Equal(t, "result", rec.order[len(rec.order)-1])
	})

	t.Run("decreasing progress is dropped", func(t *testing.T) {
		rec := &recorder{}
		h, err := p.Submit("jitter", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			for _, n := range []int{1, 3, 2, 3, 4} {
				sink.Progress(n)
			}
			return nil, nil
		}, rec.callbacks())
		require.NoError(t, err)
		wait(t, h)
		assert.Equal(t, []int{1, 3, 3, 4}, rec.progress)
	})

	t.Run("error", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		h, err := p.Submit("fail", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			sink.Progress(1)
			return nil, boom
		}, rec.callbacks())
		require.NoError(t, err)

		out := wait(t, h)
		assert.False(t, out.Success())
		assert.Equal(t, []error{boom}, rec.errs)
		assert.Empty(t, rec.results)
		assert.Equal(t, []string{"progress", "error"}, rec.order)
	})

	t.Run("panic becomes failure", func(t *testing.T) {
		rec := &recorder{}
		h, err := p.Submit("panic", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			panic("detector exploded")
		}, rec.callbacks())
		require.NoError(t, err)

		out := wait(t, h)
		var pe *PanicError
		require.True(t, errors.As(out.Err, &pe))
		assert.Equal(t, "detector exploded", pe.Value)
		assert.NotEmpty(t, pe.Stack)
		require.Len(t, rec.errs, 1)

		// the worker survives
		h, err = p.Submit("after", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			return "ok", nil
		}, Callbacks{})
		require.NoError(t, err)
		assert.Equal(t, "ok", wait(t, h).Payload)
	})

	t.Run("no events after terminal", func(t *testing.T) {
		rec := &recorder{}
		var leaked iface.ProgressSink
		h, err := p.Submit("leak", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			leaked = sink
			sink.Progress(1)
			return nil, nil
		}, rec.callbacks())
		require.NoError(t, err)
		wait(t, h)

		leaked.Progress(2)
		time.Sleep(20 * time.Millisecond)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		assert.Equal(t, []int{1}, rec.progress)
		assert.Equal(t, []string{"progress", "result"}, rec.order)
	})

	t.Run("callback panic does not stop delivery", func(t *testing.T) {
		var got []any
		h, err := p.Submit("bad callback", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			sink.Progress(1)
			return "done", nil
		}, Callbacks{
			OnProgress: func(int) { panic("ui gone") },
			OnResult:   func(v any) { got = append(got, v) },
		})
		require.NoError(t, err)
		wait(t, h)
		assert.Equal(t, []any{"done"}, got)
	})

	t.Run("nil task", func(t *testing.T) {
		_, err := p.Submit("nil", nil, Callbacks{})
		assert.Error(t, err)
	})
}

func TestCancel(t *testing.T) {
	p := New(1, 2, zaptest.NewLogger(t))
	defer p.Close()

	t.Run("running task", func(t *testing.T) {
		started := make(chan struct{})
		rec := &recorder{}
		h, err := p.Submit("block", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, rec.callbacks())
		require.NoError(t, err)

		<-started
		h.Cancel()
		out := wait(t, h)
		assert.True(t, errors.Is(out.Err, context.Canceled))
		assert.Len(t, rec.errs, 1)
	})

	t.Run("queued task never runs", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		first, err := p.Submit("first", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, Callbacks{})
		require.NoError(t, err)
		<-started

		ran := false
		second, err := p.Submit("second", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			ran = true
			return nil, nil
		}, Callbacks{})
		require.NoError(t, err)
		second.Cancel()
		close(release)

		wait(t, first)
		out := wait(t, second)
		assert.True(t, errors.Is(out.Err, context.Canceled))
		assert.False(t, ran)
	})
}

func TestQueueFull(t *testing.T) {
	p := New(1, 1, zaptest.NewLogger(t))
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context, sink iface.ProgressSink) (any, error) {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return nil, nil
	}

	first, err := p.Submit("running", block, Callbacks{})
	require.NoError(t, err)
	<-started
	second, err := p.Submit("queued", block, Callbacks{})
	require.NoError(t, err)

	_, err = p.Submit("rejected", block, Callbacks{})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	wait(t, first)
	wait(t, second)
}

func TestClose(t *testing.T) {
	p := New(2, 0, zaptest.NewLogger(t))
	assert.Equal(t, 2, p.Size())

	var mu sync.Mutex
	finished := 0
	for i := 0; i < 6; i++ {
		_, err := p.Submit("work", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			finished++
			mu.Unlock()
			return nil, nil
		}, Callbacks{})
		require.NoError(t, err)
	}

	p.Close()
	assert.Equal(t, 6, finished)

	_, err := p.Submit("late", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
		return nil, nil
	}, Callbacks{})
	assert.ErrorIs(t, err, ErrClosed)
	p.Close()
}

func TestConcurrentTasks(t *testing.T) {
	p := New(4, 32, zaptest.NewLogger(t))
	defer p.Close()

	handles := make([]*Handle, 0, 20)
	recs := make([]*recorder, 0, 20)
	for i := 0; i < 20; i++ {
		rec := &recorder{}
		n := i
		h, err := p.Submit("parallel", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
			for k := 1; k <= 10; k++ {
				sink.Progress(k)
			}
			return n, nil
		}, rec.callbacks())
		require.NoError(t, err)
		handles = append(handles, h)
		recs = append(recs, rec)
	}

	for i, h := range handles {
		out := wait(t, h)
		assert.Equal(t, i, out.Payload)
		assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, recs[i].progress)
		assert.Len(t, recs[i].results, 1)
	}
}

func TestWaitTimeout(t *testing.T) {
	p := New(1, 1, zaptest.NewLogger(t))
	defer p.Close()

	release := make(chan struct{})
	h, err := p.Submit("slow", func(ctx context.Context, sink iface.ProgressSink) (any, error) {
		<-release
		return nil, nil
	}, Callbacks{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, iface.Outcome{}, h.Outcome())

	close(release)
	wait(t, h)
	assert.True(t, h.Outcome().Success())
}
