package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreSaveAndGet(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(10)
	notif := NewNotification(TypeDiagnosis, PriorityHigh, "High risk finding", "details")

	require.NoError(t, store.Save(notif))

	got, err := store.Get(notif.ID)
	require.NoError(t, err)
	assert.Equal(t, notif.ID, got.ID)
	assert.Equal(t, TypeDiagnosis, got.Type)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestInMemoryStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(3)

	var oldest *Notification
	for i := 0; i < 4; i++ {
		n := NewNotification(TypeInfo, PriorityLow, "n", "m")
		n.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		if i == 0 {
			oldest = n
		}
		require.NoError(t, store.Save(n))
	}

	_, err := store.Get(oldest.ID)
	assert.ErrorIs(t, err, ErrNotificationNotFound, "oldest should be evicted")

	list, err := store.List(nil)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestInMemoryStoreListFilters(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(10)

	diag := NewNotification(TypeDiagnosis, PriorityCritical, "critical finding", "m").WithComponent("triage")
	info := NewNotification(TypeInfo, PriorityLow, "batch done", "m").WithComponent("batch")
	warn := NewNotification(TypeWarning, PriorityHigh, "disk warning", "m").WithComponent("system-monitor")
	for _, n := range []*Notification{diag, info, warn} {
		require.NoError(t, store.Save(n))
	}

	byType, err := store.List(&FilterOptions{Types: []Type{TypeDiagnosis}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, diag.ID, byType[0].ID)

	byPriority, err := store.List(&FilterOptions{Priorities: []Priority{PriorityHigh, PriorityCritical}})
	require.NoError(t, err)
	assert.Len(t, byPriority, 2)

	byComponent, err := store.List(&FilterOptions{Component: "batch"})
	require.NoError(t, err)
	require.Len(t, byComponent, 1)
	assert.Equal(t, info.ID, byComponent[0].ID)

	limited, err := store.List(&FilterOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestInMemoryStoreUnreadCount(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(10)

	n1 := NewNotification(TypeInfo, PriorityLow, "a", "m")
	n2 := NewNotification(TypeInfo, PriorityLow, "b", "m")
	require.NoError(t, store.Save(n1))
	require.NoError(t, store.Save(n2))

	count, err := store.GetUnreadCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	n1.MarkAsRead()
	require.NoError(t, store.Update(n1))

	count, err = store.GetUnreadCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Delete(n2.ID))
	count, err = store.GetUnreadCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInMemoryStoreDeleteExpired(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(10)

	expired := NewNotification(TypeInfo, PriorityLow, "old", "m")
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past

	fresh := NewNotification(TypeInfo, PriorityLow, "new", "m").WithExpiry(time.Hour)

	require.NoError(t, store.Save(expired))
	require.NoError(t, store.Save(fresh))

	require.NoError(t, store.DeleteExpired())

	_, err := store.Get(expired.ID)
	assert.ErrorIs(t, err, ErrNotificationNotFound)
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestNotificationClone(t *testing.T) {
	t.Parallel()

	n := NewNotification(TypeDiagnosis, PriorityHigh, "t", "m").
		WithMetadata("nested", map[string]any{"votes": []any{"COVID-19", "COVID-19"}})

	clone := n.Clone()
	require.NotNil(t, clone)

	// Mutate the original's nested metadata
	n.Metadata["nested"].(map[string]any)["votes"] = []any{"Normal"}

	cloned := clone.Metadata["nested"].(map[string]any)["votes"].([]any)
	assert.Equal(t, []any{"COVID-19", "COVID-19"}, cloned, "clone must not share nested metadata")
}
