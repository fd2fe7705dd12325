package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

func TestQueueHandsTaskToWaitingConsumer(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	got := make(chan monitor.CheckTask, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			got <- task
		}
	}()

	at := time.Unix(1_700_000_000, 0).UTC()
	require.True(t, q.TryEnqueue(monitor.CheckTask{SiteID: "site-1", SubmittedAt: at}))

	select {
	case task := <-got:
		require.Equal(t, "site-1", task.SiteID)
		require.Equal(t, at, task.SubmittedAt)
	case <-time.After(time.Second):
		t.Fatal("consumer never received the task")
	}
}

func TestQueueRefusesWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.True(t, q.TryEnqueue(monitor.CheckTask{SiteID: "a"}))
	require.True(t, q.TryEnqueue(monitor.CheckTask{SiteID: "b"}))
	require.False(t, q.TryEnqueue(monitor.CheckTask{SiteID: "c"}))
	require.Equal(t, 2, q.Len())

	require.False(t, NewQueue(-3).TryEnqueue(monitor.CheckTask{SiteID: "x"}))
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	require.True(t, q.TryEnqueue(monitor.CheckTask{SiteID: "queued"}))
	q.Close()
	q.Close()

	require.False(t, q.TryEnqueue(monitor.CheckTask{SiteID: "late"}))
	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "queued", task.SiteID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueConcurrentProducersAndClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(8)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				q.TryEnqueue(monitor.CheckTask{SiteID: string(rune('a' + i))})
			}
		}()
	}
	q.Close()
	wg.Wait()
	require.LessOrEqual(t, q.Len(), 8)
}
