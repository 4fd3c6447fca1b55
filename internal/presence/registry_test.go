package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/presence/presencetest"
)

type recordingObserver struct {
	mu      sync.Mutex
	online  []domain.UserID
	offline []domain.UserID
}

func (o *recordingObserver) Online(u domain.UserID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.online = append(o.online, u)
}

func (o *recordingObserver) Offline(u domain.UserID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = append(o.offline, u)
}

func ids(conns []Conn) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID())
	}
	return out
}

func TestRegistry_RegisterThenLookup(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(zap.NewNop(), nil)
	h := presencetest.NewConn()

	r.Register(1, h)
	r.Register(1, h)

	req.Equal([]string{h.ID()}, ids(r.Lookup(1)))
	req.Equal(1, r.Connections())
	req.Equal(1, r.Online())
	req.Empty(r.Lookup(2))
}

func TestRegistry_RebindMovesHandle(t *testing.T) {
	req := require.New(t)
	obs := &recordingObserver{}
	r := NewRegistry(zap.NewNop(), obs)
	h := presencetest.NewConn()

	r.Register(1, h)
	r.Register(2, h)

	req.Empty(r.Lookup(1))
	req.Equal([]string{h.ID()}, ids(r.Lookup(2)))
	owner, ok := r.Owner(h)
	req.True(ok)
	req.Equal(domain.UserID(2), owner)
	req.Equal([]domain.UserID{1, 2}, obs.online)
	req.Equal([]domain.UserID{1}, obs.offline)
}

func TestRegistry_UnregisterRemovesAllDevices(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(zap.NewNop(), nil)
	h1, h2 := presencetest.NewConn(), presencetest.NewConn()

	r.Register(7, h1)
	r.Register(7, h2)
	removed := r.Unregister(7)

	req.ElementsMatch([]string{h1.ID(), h2.ID()}, ids(removed))
	req.Empty(r.Lookup(7))
	req.Zero(r.Connections())
	req.Nil(r.Unregister(7))

	_, ok := r.Owner(h1)
	req.False(ok)
}

func TestRegistry_UnregisterHandle(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(zap.NewNop(), nil)
	h1, h2 := presencetest.NewConn(), presencetest.NewConn()
	r.Register(3, h1)
	r.Register(3, h2)

	owner, ok := r.UnregisterHandle(h1)
	req.True(ok)
	req.Equal(domain.UserID(3), owner)
	req.Equal([]string{h2.ID()}, ids(r.Lookup(3)))

	_, ok = r.UnregisterHandle(h1)
	req.False(ok)
}

func TestRegistry_DetachIgnoresMovedHandle(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(zap.NewNop(), nil)
	h := presencetest.NewConn()
	r.Register(1, h)
	r.Register(2, h)

	req.False(r.Detach(1, h))
	req.Len(r.Lookup(2), 1)
	req.True(r.Detach(2, h))
	req.Empty(r.Lookup(2))
}

func TestRegistry_ConcurrentDisconnectsRemoveOnlyOwnHandle(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(zap.NewNop(), nil)

	const n = 200
	leaving := make([]*presencetest.Conn, n)
	staying := make([]*presencetest.Conn, n)
	for i := 0; i < n; i++ {
		user := domain.UserID(i%10 + 1)
		leaving[i] = presencetest.NewConn()
		staying[i] = presencetest.NewConn()
		r.Register(user, leaving[i])
		r.Register(user, staying[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.True(t, r.Detach(domain.UserID(i%10+1), leaving[i]))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = r.Lookup(domain.UserID(i%10 + 1))
		}(i)
	}
	wg.Wait()

	req.Equal(n, r.Connections())
	for i := 0; i < n; i++ {
		owner, ok := r.Owner(staying[i])
		req.True(ok)
		req.Equal(domain.UserID(i%10+1), owner)
		_, ok = r.Owner(leaving[i])
		req.False(ok)
	}
}

func TestRegistry_ObserverReportsFirstAndLastConnection(t *testing.T) {
	req := require.New(t)
	obs := &recordingObserver{}
	r := NewRegistry(zap.NewNop(), obs)
	h1, h2 := presencetest.NewConn(), presencetest.NewConn()

	r.Register(4, h1)
	r.Register(4, h2)
	r.UnregisterHandle(h1)
	req.Equal([]domain.UserID{4}, obs.online)
	req.Empty(obs.offline)

	r.UnregisterHandle(h2)
	req.Equal([]domain.UserID{4}, obs.offline)
	req.ElementsMatch([]domain.UserID{}, r.Users())
}

// gatedObserver blocks Offline until release is closed and records every
// transition when its callback returns.
type gatedObserver struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	events  []string
}

func (o *gatedObserver) record(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *gatedObserver) Online(domain.UserID) { o.record("online") }

func (o *gatedObserver) Offline(domain.UserID) {
	close(o.entered)
	<-o.release
	o.record("offline")
}

func TestRegistry_ObserverSeesTransitionsInRegistryOrder(t *testing.T) {
	obs := &gatedObserver{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRegistry(zap.NewNop(), obs)
	phone, laptop := presencetest.NewConn(), presencetest.NewConn()
	r.Register(1, phone)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Detach(1, phone)
	}()
	<-obs.entered
	go func() {
		defer wg.Done()
		r.Register(1, laptop)
	}()
	time.Sleep(20 * time.Millisecond)
	close(obs.release)
	wg.Wait()

	require.Equal(t, []string{"online", "offline", "online"}, obs.events)
	require.Len(t, r.Lookup(1), 1)
}
