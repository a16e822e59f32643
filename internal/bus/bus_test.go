package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/access"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/presence"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/store"
)

type busFixture struct {
	trips    *store.MemoryTripStore
	msgs     *store.MemoryMessageStore
	registry *presence.Registry
	bus      *Bus
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	trips := store.NewMemoryTripStore()
	require.NoError(t, trips.CreateTrip(collab.Trip{ID: "trip-1", Name: "Kyoto", OwnerID: "alice"}))
	require.NoError(t, trips.GrantRole("trip-1", "bob", collab.RoleCollaborator))
	require.NoError(t, trips.GrantRole("trip-1", "carol", collab.RoleViewer))

	msgs := store.NewMemoryMessageStore()
	ac := access.New(trips, time.Minute)
	registry := presence.NewRegistry(presence.Options{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    15 * time.Second,
		TypingTimeout:    time.Second,
		RoomIdleTTL:      time.Minute,
	})
	b := New(Options{WindowSize: 100, QueueSize: 16, RetryInterval: time.Hour, RoomIdleTTL: time.Hour}, registry, msgs, ac)
	registry.SetListener(b.BroadcastPresenceDelta)
	return &busFixture{trips: trips, msgs: msgs, registry: registry, bus: b}
}

// join registers a member in the room and wires an outbound queue for it.
func (f *busFixture) join(userID, connID string, role collab.Role) *Subscriber {
	sub := f.bus.Subscribe("trip-1", connID, userID, nil)
	f.registry.Join("trip-1", collab.Member{UserID: userID, Name: userID, ConnectionID: connID, Role: role}, nil)
	return sub
}

func recvOfType(t *testing.T, sub *Subscriber, typ string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-sub.Out():
			var ev map[string]interface{}
			require.NoError(t, json.Unmarshal(frame, &ev))
			if ev["type"] == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event received", typ)
			return nil
		}
	}
}

func assertNoEvent(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case frame := <-sub.Out():
		t.Fatalf("unexpected event: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFanout(t *testing.T) {
	f := newBusFixture(t)
	alice := f.join("alice", "c-alice", collab.RoleOwner)
	bob := f.join("bob", "c-bob", collab.RoleCollaborator)
	recvOfType(t, alice, "user_joined") // bob joining after alice

	msg, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice", Name: "Alice"}, "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)

	for _, sub := range []*Subscriber{alice, bob} {
		ev := recvOfType(t, sub, "new_message")
		assert.Equal(t, "hi", ev["text"])
		assert.Equal(t, "alice", ev["user_id"])
		assert.Equal(t, float64(1), ev["seq"])
	}
	assert.Equal(t, 1, f.msgs.Count("trip-1"))
}

func TestPublishViewerForbidden(t *testing.T) {
	f := newBusFixture(t)
	f.join("carol", "c-carol", collab.RoleViewer)

	_, err := f.bus.Publish("trip-1", collab.Member{UserID: "carol", Name: "Carol"}, "hi")
	assert.ErrorIs(t, err, collab.ErrForbidden)
	assert.Equal(t, 0, f.msgs.Count("trip-1"))

	_, err = f.bus.Publish("trip-1", collab.Member{UserID: "mallory"}, "hi")
	assert.ErrorIs(t, err, collab.ErrForbidden)
}

func TestPublishConcurrentGaplessSeq(t *testing.T) {
	f := newBusFixture(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice", Name: "Alice"}, "msg")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recent, err := f.bus.LoadRecent("trip-1", 100)
	require.NoError(t, err)
	require.Len(t, recent, n)
	for i, m := range recent {
		assert.Equal(t, int64(i+1), m.Seq)
	}
	assert.Equal(t, n, f.msgs.Count("trip-1"))
}

func TestSeqBaselineFromStore(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, f.msgs.Append(collab.Message{ID: "old", TripID: "trip-1", Seq: 7, Text: "earlier"}))

	msg, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice"}, "after restart")
	require.NoError(t, err)
	assert.Equal(t, int64(8), msg.Seq)
}

func TestPublishStoreOutage(t *testing.T) {
	f := newBusFixture(t)
	f.msgs.SetFail(true)

	msg, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice", Name: "Alice"}, "hold me")
	require.Error(t, err)
	assert.ErrorIs(t, err, collab.ErrUnavailable)
	require.NotNil(t, msg)

	// 消息留在窗口里，读路径不受影响。
	recent, err := f.bus.LoadRecent("trip-1", 50)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "hold me", recent[0].Text)
	assert.Equal(t, 0, f.msgs.Count("trip-1"))

	// 存储恢复后后台重试落盘。
	f.msgs.SetFail(false)
	f.bus.retryUnsaved()
	assert.Equal(t, 1, f.msgs.Count("trip-1"))

	t.Run("retry does not duplicate", func(t *testing.T) {
		f.bus.retryUnsaved()
		assert.Equal(t, 1, f.msgs.Count("trip-1"))
	})
}

func TestLoadRecentBackfill(t *testing.T) {
	f := newBusFixture(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, f.msgs.Append(collab.Message{
			ID: string(rune('a' + i)), TripID: "trip-1", Seq: int64(i), Text: "stored",
		}))
	}

	msg, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice"}, "live")
	require.NoError(t, err)
	assert.Equal(t, int64(6), msg.Seq)

	recent, err := f.bus.LoadRecent("trip-1", 50)
	require.NoError(t, err)
	require.Len(t, recent, 6)
	assert.Equal(t, int64(1), recent[0].Seq)
	assert.Equal(t, "live", recent[5].Text)

	t.Run("limit trims from the front", func(t *testing.T) {
		recent, err := f.bus.LoadRecent("trip-1", 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, int64(4), recent[0].Seq)
	})
}

func TestPresenceDeltaExcludesActor(t *testing.T) {
	f := newBusFixture(t)
	alice := f.join("alice", "c-alice", collab.RoleOwner)
	bob := f.join("bob", "c-bob", collab.RoleCollaborator)

	// alice 看到 bob 加入，bob 看不到自己的加入事件。
	ev := recvOfType(t, alice, "user_joined")
	assert.Equal(t, "bob", ev["user_id"])
	assertNoEvent(t, bob)

	f.registry.SetTyping("trip-1", "alice", true)
	ev = recvOfType(t, bob, "user_typing")
	assert.Equal(t, "alice", ev["user_id"])
	assertNoEvent(t, alice)

	f.registry.Leave("trip-1", "c-bob")
	ev = recvOfType(t, alice, "user_left")
	assert.Equal(t, "bob", ev["user_id"])
}

func TestItineraryVersionCoalescing(t *testing.T) {
	f := newBusFixture(t)
	bob := f.join("bob", "c-bob", collab.RoleCollaborator)

	f.bus.BroadcastItineraryUpdate(collab.ItineraryUpdate{TripID: "trip-1", ItineraryID: "it-1", Version: 3, UpdatedBy: "alice"})
	ev := recvOfType(t, bob, "itinerary_updated")
	assert.Equal(t, float64(3), ev["version"])

	// 过时版本直接丢弃。
	f.bus.BroadcastItineraryUpdate(collab.ItineraryUpdate{TripID: "trip-1", ItineraryID: "it-1", Version: 2, UpdatedBy: "alice"})
	assertNoEvent(t, bob)

	f.bus.BroadcastItineraryUpdate(collab.ItineraryUpdate{TripID: "trip-1", ItineraryID: "it-1", Version: 4, UpdatedBy: "alice"})
	ev = recvOfType(t, bob, "itinerary_updated")
	assert.Equal(t, float64(4), ev["version"])

	t.Run("other itineraries are tracked separately", func(t *testing.T) {
		f.bus.BroadcastItineraryUpdate(collab.ItineraryUpdate{TripID: "trip-1", ItineraryID: "it-2", Version: 1, UpdatedBy: "alice"})
		ev := recvOfType(t, bob, "itinerary_updated")
		assert.Equal(t, "it-2", ev["itinerary_id"])
	})
}

func TestActivityFeedbackRelay(t *testing.T) {
	f := newBusFixture(t)
	alice := f.join("alice", "c-alice", collab.RoleOwner)
	bob := f.join("bob", "c-bob", collab.RoleCollaborator)
	recvOfType(t, alice, "user_joined")

	f.bus.BroadcastActivityFeedback("trip-1", collab.Member{UserID: "bob", Name: "Bob"}, "act-9", "like")
	ev := recvOfType(t, alice, "activity_feedback_received")
	assert.Equal(t, "act-9", ev["activity_id"])
	assert.Equal(t, "like", ev["feedback"])
	assertNoEvent(t, bob)
	// 纯转发，不落盘。
	assert.Equal(t, 0, f.msgs.Count("trip-1"))
}

func TestGCDoesNotBlockFanout(t *testing.T) {
	f := newBusFixture(t)
	f.join("bob", "c-bob", collab.RoleCollaborator)

	// 占住房间锁，模拟一个正在发布的 Publish。
	rs := f.bus.getRoom("trip-1")
	rs.mu.Lock()

	gcDone := make(chan struct{})
	go func() {
		f.bus.gc(time.Now().Add(2 * time.Hour))
		close(gcDone)
	}()
	time.Sleep(20 * time.Millisecond)

	// gc 等房间锁期间，扇出用的订阅查找必须照常完成。
	subDone := make(chan *Subscriber, 1)
	go func() { subDone <- f.bus.sub("c-bob") }()
	select {
	case s := <-subDone:
		require.NotNil(t, s)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber lookup blocked while gc was waiting on the room lock")
	}

	rs.mu.Unlock()
	select {
	case <-gcDone:
	case <-time.After(2 * time.Second):
		t.Fatal("gc did not finish after the room lock was released")
	}
}

func TestGCConcurrentWithPublish(t *testing.T) {
	f := newBusFixture(t)
	f.join("bob", "c-bob", collab.RoleCollaborator)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					_, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice", Name: "Alice"}, "msg")
					assert.NoError(t, err)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.bus.gc(time.Now().Add(2 * time.Hour))
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publishers and gc deadlocked")
	}
	assert.Equal(t, 200, f.msgs.Count("trip-1"))
}

func TestGCReclaimsIdleRoom(t *testing.T) {
	f := newBusFixture(t)
	_, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice"}, "before gc")
	require.NoError(t, err)

	rs := f.bus.getRoom("trip-1")
	f.bus.gc(time.Now().Add(2 * time.Hour))

	rs.mu.Lock()
	reclaimed := rs.dead
	rs.mu.Unlock()
	assert.True(t, reclaimed)

	// 回收后照常发布，序号基线从存储恢复。
	msg, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice"}, "after gc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Seq)
}

func TestGCKeepsBusyRooms(t *testing.T) {
	f := newBusFixture(t)

	t.Run("unsaved messages pin the room", func(t *testing.T) {
		f.msgs.SetFail(true)
		_, err := f.bus.Publish("trip-1", collab.Member{UserID: "alice"}, "held")
		require.Error(t, err)
		f.bus.gc(time.Now().Add(2 * time.Hour))

		f.msgs.SetFail(false)
		f.bus.retryUnsaved()
		assert.Equal(t, 1, f.msgs.Count("trip-1"))
	})

	t.Run("online members pin the room", func(t *testing.T) {
		f.join("bob", "c-bob", collab.RoleCollaborator)
		rs := f.bus.getRoom("trip-1")
		f.bus.gc(time.Now().Add(2 * time.Hour))
		rs.mu.Lock()
		defer rs.mu.Unlock()
		assert.False(t, rs.dead)
	})
}

func TestNotificationBroadcast(t *testing.T) {
	f := newBusFixture(t)
	alice := f.join("alice", "c-alice", collab.RoleOwner)
	bob := f.join("bob", "c-bob", collab.RoleCollaborator)
	recvOfType(t, alice, "user_joined")

	f.bus.BroadcastNotification("trip-1", collab.Notification{
		Kind: "weather", Title: "Storm warning", Message: "heavy rain on day 2", Priority: "high",
	})

	// 系统通知不排除任何人，所有在线成员都收到。
	for _, sub := range []*Subscriber{alice, bob} {
		ev := recvOfType(t, sub, "notification")
		assert.Equal(t, "weather", ev["kind"])
		assert.Equal(t, "heavy rain on day 2", ev["message"])
		assert.Equal(t, "high", ev["priority"])
	}
	assert.Equal(t, 0, f.msgs.Count("trip-1"))
}

func TestSubscriberDropOldest(t *testing.T) {
	sub := &Subscriber{out: make(chan []byte, 2), itinSeen: make(map[string]int64)}

	sub.enqueue([]byte("1"))
	sub.enqueue([]byte("2"))
	sub.enqueue([]byte("3"))

	// 最旧的被挤掉，保留最新的两条。
	assert.Equal(t, "2", string(<-sub.out))
	assert.Equal(t, "3", string(<-sub.out))
}

func TestSubscriberKickedAfterSustainedOverflow(t *testing.T) {
	kicked := make(chan struct{})
	sub := &Subscriber{out: make(chan []byte, 2), itinSeen: make(map[string]int64), kick: func() { close(kicked) }}

	for i := 0; i < kickAfterDrops+4; i++ {
		sub.enqueue([]byte("x"))
	}

	select {
	case <-kicked:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not kicked")
	}

	t.Run("draining resets the drop counter", func(t *testing.T) {
		fresh := &Subscriber{out: make(chan []byte, 2), itinSeen: make(map[string]int64), kick: func() { t.Fatal("unexpected kick") }}
		for i := 0; i < kickAfterDrops; i++ {
			fresh.enqueue([]byte("x"))
			<-fresh.out // consumer keeps up
		}
	})
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	f := newBusFixture(t)
	sub := f.bus.Subscribe("trip-1", "c-x", "alice", nil)
	f.bus.Unsubscribe("c-x")

	_, open := <-sub.Out()
	assert.False(t, open)

	// 关闭后的投递是空操作。
	sub.enqueue([]byte("late"))
	f.bus.Unsubscribe("c-x")
}
