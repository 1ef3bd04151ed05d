package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_SubmitWait(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 4})
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestWorkerPool_RunJoinsErrors(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 8})
	defer p.Close()

	sentinel := errors.New("leg failed")
	var ok atomic.Int32

	err := p.Run(context.Background(),
		func(ctx context.Context) error { ok.Add(1); return nil },
		func(ctx context.Context) error { return sentinel },
		func(ctx context.Context) error { ok.Add(1); return nil },
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int32(2), ok.Load())
}

func TestWorkerPool_RunWaitsForAllTasks(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 8})
	defer p.Close()

	var done atomic.Int32
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		}
	}

	err := p.Run(context.Background(), tasks...)
	require.NoError(t, err)
	// Run 返回时所有任务必须已经完成，调用方才能安全读取结果。
	assert.Equal(t, int32(6), done.Load())
}

func TestWorkerPool_PanicRecovered(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 2})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked")

	// Pool 仍然可用。
	err = p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWorkerPool_ClosedRejects(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)

	err = p.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_SubmitWaitHonorsContext(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	defer p.Close()

	// 占住唯一 worker。
	block := make(chan struct{})
	_ = p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.SubmitWait(ctx, func(ctx context.Context) error {
		<-block
		return nil
	})
	close(block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestByteBufferPool_Reuse(t *testing.T) {
	buf := ByteBufferPool.Get()
	buf.WriteString("scratch")
	ByteBufferPool.Put(buf)

	again := ByteBufferPool.Get()
	defer ByteBufferPool.Put(again)
	// 归还时必须被重置。
	assert.Equal(t, 0, again.Len())
}
