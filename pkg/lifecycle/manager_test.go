package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/steer/pkg/apierr"
	"github.com/harun/steer/pkg/commandqueue"
	"github.com/harun/steer/pkg/engine"
	"github.com/harun/steer/pkg/engine/enginetest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memSession is an in-memory SessionContext
type memSession struct {
	mu        sync.Mutex
	id        string
	values    map[string]json.RawMessage
	destroyed bool
}

func newMemSession(id string) *memSession {
	return &memSession{id: id, values: make(map[string]json.RawMessage)}
}

func (s *memSession) ID() string { return s.id }

func (s *memSession) Get(key string, dst interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.values[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (s *memSession) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = raw
	return nil
}

func (s *memSession) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *memSession) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage)
	s.destroyed = true
	return nil
}

// destroyFailingSession fails Destroy through a testify mock
type destroyFailingSession struct {
	*memSession
	mock.Mock
}

func (s *destroyFailingSession) Destroy(ctx context.Context) error {
	args := s.Called(ctx)
	return args.Error(0)
}

type fixture struct {
	launcher *enginetest.Launcher
	registry *Registry
	queue    *commandqueue.CommandQueue
	manager  *Manager
	events   chan Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		launcher: enginetest.NewLauncher(),
		registry: NewRegistry(),
		queue:    commandqueue.New(zerolog.Nop()),
		events:   make(chan Event, 64),
	}
	t.Cleanup(func() { _ = f.queue.Close() })

	f.manager = NewManager(Config{DefaultHeadless: true}, f.registry, f.launcher, f.queue, zerolog.Nop())
	f.manager.On(func(ev Event) {
		select {
		case f.events <- ev:
		default:
		}
	})
	return f
}

func (f *fixture) drainEvents() []string {
	var types []string
	for {
		select {
		case ev := <-f.events:
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func TestStartSession_RegistersResourceAndMarker(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")

	id, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	h, ok := f.registry.Get("abc")
	require.True(t, ok)
	assert.Equal(t, engine.DefaultKind, h.Kind)

	marker, ok := readMarker(sess)
	require.True(t, ok)
	assert.True(t, marker.IsActive)
	assert.Equal(t, "chromium", marker.EngineKind)

	calls := f.launcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chromium", calls[0].Kind)
	assert.True(t, calls[0].Options.Headless)

	assert.Equal(t, []string{EventStarted}, f.drainEvents())
}

func TestStartSession_PassesOptionsThrough(t *testing.T) {
	f := newFixture(t)
	headful := false
	params := map[string]interface{}{"slowMo": 50.0}

	_, err := f.manager.StartSession(context.Background(), newMemSession("abc"), StartOptions{
		Kind:     "chrome",
		Headless: &headful,
		Params:   params,
	})
	require.NoError(t, err)

	calls := f.launcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chrome", calls[0].Kind)
	assert.False(t, calls[0].Options.Headless)
	assert.Equal(t, params, calls[0].Options.Params)
}

func TestStartSession_TwiceLeavesOneLiveResource(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")

	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)
	first, _ := f.registry.Get("abc")

	_, err = f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)
	second, _ := f.registry.Get("abc")

	assert.NotSame(t, first, second)
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 1, f.launcher.Live())

	browsers := f.launcher.Browsers()
	require.Len(t, browsers, 2)
	assert.True(t, browsers[0].Closed())
	assert.False(t, browsers[1].Closed())

	assert.Equal(t, []string{EventStarted, EventReplaced, EventStarted}, f.drainEvents())
}

func TestStartSession_ConcurrentStartsSerialize(t *testing.T) {
	f := newFixture(t)
	f.launcher.LaunchDelay = 20 * time.Millisecond
	sess := newMemSession("abc")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 1, f.launcher.Live())
	assert.Len(t, f.launcher.Browsers(), 2)
}

func TestStartSession_ReplacementSurvivesCloseFailure(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")

	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	f.launcher.CloseErr = errors.New("browser already gone")
	_, err = f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.registry.Len())
}

func TestStartSession_LaunchFailure(t *testing.T) {
	f := newFixture(t)
	f.launcher.LaunchErr = errors.New("executable not found")
	sess := newMemSession("abc")

	id, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.Equal(t, apierr.KindEngineLaunch, apierr.KindOf(err))
	assert.Contains(t, err.Error(), "executable not found")

	assert.Equal(t, 0, f.registry.Len())
	_, ok := readMarker(sess)
	assert.False(t, ok)
	assert.Equal(t, []string{EventLaunchFailed}, f.drainEvents())
}

func TestStartSession_FailedRestartLeavesSessionUnstarted(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")

	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	f.launcher.LaunchErr = errors.New("no display")
	_, err = f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.Error(t, err)

	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.launcher.Live())
	_, ok := readMarker(sess)
	assert.False(t, ok)
}

func TestStartSession_PageFailureClosesBrowser(t *testing.T) {
	f := newFixture(t)
	f.launcher.PageErr = errors.New("target crashed")

	_, err := f.manager.StartSession(context.Background(), newMemSession("abc"), StartOptions{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindEngineLaunch, apierr.KindOf(err))

	browsers := f.launcher.Browsers()
	require.Len(t, browsers, 1)
	assert.True(t, browsers[0].Closed())
	assert.Equal(t, 0, f.registry.Len())
}

func TestGetActiveResource_NoMarker(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.GetActiveResource(newMemSession("abc"))
	assert.Equal(t, apierr.KindNoActiveSession, apierr.KindOf(err))

	_, err = f.manager.GetActiveResource(newMemSession(""))
	assert.Equal(t, apierr.KindNoActiveSession, apierr.KindOf(err))
}

func TestGetActiveResource_MarkerFalse(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	require.NoError(t, sess.Set(markerKey, Marker{IsActive: false, EngineKind: "chromium"}))

	_, err := f.manager.GetActiveResource(sess)
	assert.Equal(t, apierr.KindNoActiveSession, apierr.KindOf(err))
}

func TestGetActiveResource_RepairsStaleMarker(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	require.NoError(t, writeMarker(sess, "chromium"))

	_, err := f.manager.GetActiveResource(sess)
	assert.Equal(t, apierr.KindInternalState, apierr.KindOf(err))

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "abc", apiErr.SessionID)

	_, ok := readMarker(sess)
	assert.False(t, ok, "marker should be cleared")

	_, err = f.manager.GetActiveResource(sess)
	assert.Equal(t, apierr.KindNoActiveSession, apierr.KindOf(err))
	assert.Equal(t, []string{EventRepaired}, f.drainEvents())
}

func TestGetActiveResource_ReturnsLiveHandle(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	h, err := f.manager.GetActiveResource(sess)
	require.NoError(t, err)
	registered, _ := f.registry.Get("abc")
	assert.Same(t, registered, h)
	assert.Same(t, f.launcher.LastPage(), h.Page)
}

func TestDo_SerializesActionsPerSession(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	page := f.launcher.LastPage()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.manager.Do(context.Background(), sess, func(ctx context.Context, p engine.Page) error {
				err := p.Locator("#x").Click(ctx, engine.ActionOptions{})
				time.Sleep(2 * time.Millisecond)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, page.Calls(), 5)
	assert.Equal(t, 1, page.MaxConcurrent())
}

func TestDo_TouchesHandle(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	h, _ := f.registry.Get("abc")
	before := h.LastUsed()
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, f.manager.Do(context.Background(), sess, func(ctx context.Context, p engine.Page) error {
		return nil
	}))
	assert.True(t, h.LastUsed().After(before))
}

func TestDo_WithoutSession(t *testing.T) {
	f := newFixture(t)

	called := false
	err := f.manager.Do(context.Background(), newMemSession("abc"), func(ctx context.Context, p engine.Page) error {
		called = true
		return nil
	})
	assert.Equal(t, apierr.KindNoActiveSession, apierr.KindOf(err))
	assert.False(t, called)
}

func TestCloseSession_ReleasesAndDestroys(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.CloseSession(context.Background(), sess))

	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.launcher.Live())
	assert.True(t, sess.destroyed)

	_, err = f.manager.GetActiveResource(sess)
	assert.Equal(t, apierr.KindNoActiveSession, apierr.KindOf(err))
}

func TestCloseSession_Idempotent(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.CloseSession(context.Background(), sess))
	require.NoError(t, f.manager.CloseSession(context.Background(), sess))
	require.NoError(t, f.manager.CloseSession(context.Background(), newMemSession("")))
	require.NoError(t, f.manager.CloseSession(context.Background(), newMemSession("never-started")))

	assert.Equal(t, 0, f.registry.Len())
}

func TestCloseSession_TeardownFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	sess := newMemSession("abc")
	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	f.launcher.CloseErr = errors.New("connection reset")
	require.NoError(t, f.manager.CloseSession(context.Background(), sess))
	assert.Equal(t, 0, f.registry.Len())
	assert.True(t, sess.destroyed)
}

func TestCloseSession_DestroyFailure(t *testing.T) {
	f := newFixture(t)
	sess := &destroyFailingSession{memSession: newMemSession("abc")}
	sess.On("Destroy", mock.Anything).Return(errors.New("store unavailable"))

	_, err := f.manager.StartSession(context.Background(), sess, StartOptions{})
	require.NoError(t, err)

	err = f.manager.CloseSession(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, apierr.KindSessionDestroy, apierr.KindOf(err))
	assert.Equal(t, 0, f.registry.Len(), "registry entry is removed even when destroy fails")
	assert.Equal(t, 0, f.launcher.Live())
	sess.AssertExpectations(t)
}

func TestShutdown_ClosesEverything(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.manager.StartSession(context.Background(), newMemSession(id), StartOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.launcher.Live())

	require.NoError(t, f.manager.Shutdown(context.Background()))
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.launcher.Live())
}
