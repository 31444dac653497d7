package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id     string
	userId int64
	ch     chan *Envelope
}

func newFakeMember(id string, userId int64) *fakeMember {
	return &fakeMember{id: id, userId: userId, ch: make(chan *Envelope, 64)}
}

func (f *fakeMember) SessionId() string { return f.id }
func (f *fakeMember) UserId() int64     { return f.userId }
func (f *fakeMember) Enqueue(env *Envelope) bool {
	select {
	case f.ch <- env:
		return true
	default:
		return false
	}
}

func (f *fakeMember) received() int {
	return len(f.ch)
}

func (f *fakeMember) next(t *testing.T) *Envelope {
	t.Helper()
	select {
	case env := <-f.ch:
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for envelope on %s", f.id)
	}
	return nil
}

func testEnvelope(t *testing.T) *Envelope {
	env, err := NewPong()
	require.NoError(t, err)
	return env
}

func newTestRegistry(t *testing.T, b bus.Bus) *Registry {
	r := NewRegistry(b, stats.NewNopMock(), testutil.TestLogger(t))
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_BroadcastCompleteness(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	members := []*fakeMember{
		newFakeMember("s1", 1),
		newFakeMember("s2", 1),
		newFakeMember("s3", 2),
		newFakeMember("s4", 3),
	}
	for _, m := range members {
		require.NoError(t, r.Join(ctx, 10, m))
	}
	outsider := newFakeMember("s5", 4)
	require.NoError(t, r.Join(ctx, 11, outsider))

	require.NoError(t, r.Broadcast(ctx, 10, testEnvelope(t), Exclude{}))
	for _, m := range members {
		assert.Equal(t, 1, m.received(), "expected %s to receive exactly once", m.id)
	}
	assert.Equal(t, 0, outsider.received(), "expected other room to receive nothing")
}

func TestRegistry_Exclude(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	s1, s2, s3 := newFakeMember("s1", 1), newFakeMember("s2", 1), newFakeMember("s3", 2)
	for _, m := range []*fakeMember{s1, s2, s3} {
		require.NoError(t, r.Join(ctx, 10, m))
	}

	require.NoError(t, r.Broadcast(ctx, 10, testEnvelope(t), Exclude{SessionIds: []string{"s1"}}))
	assert.Equal(t, 0, s1.received(), "expected excluded session to be skipped")
	assert.Equal(t, 1, s2.received(), "expected sender's other session to receive")
	assert.Equal(t, 1, s3.received())

	require.NoError(t, r.Broadcast(ctx, 10, testEnvelope(t), Exclude{UserIds: []int64{1}}))
	assert.Equal(t, 0, s1.received())
	assert.Equal(t, 1, s2.received(), "expected every session of excluded user to be skipped")
	assert.Equal(t, 2, s3.received())
}

func TestRegistry_OneRoomPerSession(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	m := newFakeMember("s1", 1)

	require.NoError(t, r.Join(ctx, 10, m))
	require.NoError(t, r.Join(ctx, 10, m), "expected rejoining the same room to be a no-op")
	require.NoError(t, r.Join(ctx, 11, m))

	roomId, ok := r.RoomOf("s1")
	require.True(t, ok)
	assert.Equal(t, int64(11), roomId)
	assert.Empty(t, r.Members(10), "expected previous room to be left")
	assert.Equal(t, []string{"s1"}, r.Members(11))

	r.Leave(10, m)
	assert.Equal(t, []string{"s1"}, r.Members(11), "expected leaving a different room to be a no-op")

	r.Leave(11, m)
	_, ok = r.RoomOf("s1")
	assert.False(t, ok)

	require.NoError(t, r.Broadcast(ctx, 11, testEnvelope(t), Exclude{}))
	assert.Equal(t, 0, m.received(), "expected no delivery after leave")
}

func TestRegistry_ConcurrentJoinLeaveBroadcast(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	stable := newFakeMember("stable", 99)
	require.NoError(t, r.Join(ctx, 1, stable))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := newFakeMember(string(rune('a'+i)), int64(i))
			for j := 0; j < 20; j++ {
				assert.NoError(t, r.Join(ctx, int64(1+j%2), m))
				r.Leave(int64(1+j%2), m)
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Broadcast(ctx, 1, testEnvelope(t), Exclude{}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, stable.received(), "expected the stable member to receive every broadcast exactly once")
	assert.Equal(t, []string{"stable"}, r.Members(1))
}

func TestRegistry_RelayAcrossNodes(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewLocal()
	t.Cleanup(func() { shared.Close() })
	nodeA := newTestRegistry(t, shared)
	nodeB := newTestRegistry(t, shared)

	a1 := newFakeMember("a1", 1)
	b1 := newFakeMember("b1", 2)
	b2 := newFakeMember("b2", 3)
	require.NoError(t, nodeA.Join(ctx, 5, a1))
	require.NoError(t, nodeB.Join(ctx, 5, b1))
	require.NoError(t, nodeB.Join(ctx, 5, b2))

	require.NoError(t, nodeA.Broadcast(ctx, 5, testEnvelope(t), Exclude{UserIds: []int64{3}}))

	assert.Equal(t, KindPong, a1.next(t).Kind, "expected local delivery on the origin node")
	assert.Equal(t, KindPong, b1.next(t).Kind, "expected relayed delivery on the other node")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, a1.received(), "expected origin node to ignore its own relay")
	assert.Equal(t, 0, b2.received(), "expected exclusions to travel with the relay")
}

func TestRegistry_NotifyUser(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewLocal()
	t.Cleanup(func() { shared.Close() })
	nodeA := newTestRegistry(t, shared)
	nodeB := newTestRegistry(t, shared)

	local := newFakeMember("n1", 7)
	remote := newFakeMember("n2", 7)
	other := newFakeMember("n3", 8)
	require.NoError(t, nodeA.Register(ctx, local))
	require.NoError(t, nodeB.Register(ctx, remote))
	require.NoError(t, nodeB.Register(ctx, other))

	require.NoError(t, nodeA.NotifyUser(ctx, 7, testEnvelope(t)))
	local.next(t)
	remote.next(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, other.received(), "expected other users not to be notified")

	nodeB.Unregister(remote)
	require.NoError(t, nodeA.NotifyUser(ctx, 7, testEnvelope(t)))
	local.next(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, remote.received(), "expected unregistered session not to be notified")
}
