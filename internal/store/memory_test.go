package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

func enqueue(t *testing.T, q store.Queue, dest string) string {
	t.Helper()
	id, created, err := q.Enqueue(context.Background(), store.EnqueueParams{Destination: dest, Body: "hello"})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestQueueLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	id := enqueue(t, m, "+254700000001")

	msg, err := m.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.MessageStatusPending, msg.Status)
	require.Equal(t, 0, msg.AttemptCount)

	batch, err := m.Claim(ctx, 10, time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, 1, batch[0].AttemptCount)

	require.NoError(t, m.MarkSent(ctx, id, clock.Now()))
	msg, err = m.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.MessageStatusSent, msg.Status)
	require.NotNil(t, msg.SentAt)
	require.Nil(t, msg.LastError)

	// Terminal: never claimed again.
	batch, err = m.Claim(ctx, 10, time.Minute, 3)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestClaimRespectsScheduledForAndLease(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	future := clock.Now().Add(time.Hour)
	_, _, err := m.Enqueue(ctx, store.EnqueueParams{Destination: "+49", Body: "later", ScheduledFor: &future})
	require.NoError(t, err)

	batch, err := m.Claim(ctx, 10, time.Minute, 3)
	require.NoError(t, err)
	require.Empty(t, batch, "future entry must not be claimable")

	clock.Advance(time.Hour)
	batch, err = m.Claim(ctx, 10, time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Claimed entry is leased; immediately re-claiming finds nothing.
	batch, err = m.Claim(ctx, 10, time.Minute, 3)
	require.NoError(t, err)
	require.Empty(t, batch)

	// Lease expiry makes the still-pending entry due again.
	clock.Advance(2 * time.Minute)
	batch, err = m.Claim(ctx, 10, time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, 2, batch[0].AttemptCount)
}

func TestClaimStopsAtAttemptCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	enqueue(t, m, "+49")

	for i := 1; i <= 3; i++ {
		batch, err := m.Claim(ctx, 10, 0, 3)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.Equal(t, i, batch[0].AttemptCount)
	}

	batch, err := m.Claim(ctx, 10, 0, 3)
	require.NoError(t, err)
	require.Empty(t, batch, "entry at the cap must never be claimed")
}

func TestClaimOldestFirst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	first := enqueue(t, m, "first")
	clock.Advance(time.Second)
	second := enqueue(t, m, "second")

	batch, err := m.Claim(ctx, 1, time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, first, batch[0].ID)

	batch, err = m.Claim(ctx, 1, time.Minute, 3)
	require.NoError(t, err)
	require.Equal(t, second, batch[0].ID)
}

func TestEnqueueDedupeKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	key := "birthday:2026-09-01:cust-1"
	id1, created, err := m.Enqueue(ctx, store.EnqueueParams{Destination: "+49", Body: "hi", DedupeKey: &key})
	require.NoError(t, err)
	require.True(t, created)

	id2, created, err := m.Enqueue(ctx, store.EnqueueParams{Destination: "+49", Body: "hi", DedupeKey: &key})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id1, id2)

	counts, err := m.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[core.MessageStatusPending])
}

func TestMarkRetryKeepsPendingAndRecordsError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	id := enqueue(t, m, "+49")
	_, err := m.Claim(ctx, 1, time.Minute, 3)
	require.NoError(t, err)

	require.NoError(t, m.MarkRetry(ctx, id, "provider_timeout"))
	msg, err := m.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.MessageStatusPending, msg.Status)
	require.Equal(t, "provider_timeout", *msg.LastError)

	require.NoError(t, m.MarkFailed(ctx, id, "gave up"))
	msg, err = m.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.MessageStatusFailed, msg.Status)
	require.Equal(t, "gave up", *msg.LastError)
}

func TestExecuteCampaignAtomicity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	c := m.AddCampaign(core.Campaign{Name: "promo", Template: "hi"})

	msgs := []store.EnqueueParams{{Destination: "+1", Body: "a"}, {Destination: "+2", Body: "b"}}
	require.NoError(t, m.ExecuteCampaign(ctx, c.ID, msgs))

	got, err := m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignStatusSent, got.Status)

	// Second execution is rejected and enqueues nothing more.
	err = m.ExecuteCampaign(ctx, c.ID, msgs)
	require.ErrorIs(t, err, core.ErrDuplicateExecution)

	counts, err := m.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[core.MessageStatusPending])

	stats, err := m.CampaignStats(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stats[core.MessageStatusPending])
}

func TestConcurrentClaimNoDuplicates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := store.NewMemory(clock)
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		enqueue(t, m, fmt.Sprintf("+49%03d", i))
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := m.Claim(ctx, 10, time.Hour, 3)
				require.NoError(t, err)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, msg := range batch {
					require.False(t, seen[msg.ID], "duplicate claim: %s", msg.ID)
					seen[msg.ID] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
}
