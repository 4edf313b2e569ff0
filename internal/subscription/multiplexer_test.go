package subscription

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	language "github.com/fermi-ad/extapi-acsys/internal/language"
	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
)

const testSDL = `
type Query { x: Int }
type Subscription { clockTicks(events: [Int!]!): Tick alarms: Alarm }
type Tick { event: Int stamp: String }
type Alarm { text: String }
`

// mapRuntime projects event maps onto their fields.
type mapRuntime struct{}

func (mapRuntime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	m, _ := source.(map[string]any)
	return m[field], nil
}

func (mapRuntime) ResolveAsync(ctx context.Context, task executor.ResolveTask) (any, error) {
	return nil, nil
}

func (mapRuntime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return "", errors.New("no abstract types")
}

func (mapRuntime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	return value, nil
}

var errSourceClosed = errors.New("source closed")

type fakeSource struct {
	events chan any
	// err is returned once events is drained and closed.
	err error

	closed    chan struct{}
	closeOnce sync.Once
}

func newSource(buffer int) *fakeSource {
	return &fakeSource{events: make(chan any, buffer), closed: make(chan struct{})}
}

func (s *fakeSource) Next(ctx context.Context) (any, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return nil, errSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeOpener struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
	errs    map[string]error
	args    map[string]map[string]any
}

func (o *fakeOpener) Open(ctx context.Context, field string, args map[string]any) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.args == nil {
		o.args = make(map[string]map[string]any)
	}
	o.args[field] = args
	if err := o.errs[field]; err != nil {
		return nil, err
	}
	return o.sources[field], nil
}

func newMultiplexer(t *testing.T, opener Opener, opts ...Option) *Multiplexer {
	t.Helper()
	sch, _, err := schema.Load("test.graphql", testSDL)
	require.NoError(t, err)
	return New(executor.NewExecutor(mapRuntime{}, sch), opener, opts...)
}

func mustParse(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	doc, err := language.ParseQuery(q)
	require.NoError(t, err)
	return doc
}

func next(t *testing.T, s *Subscription) Emission {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := s.Next(ctx)
	require.NoError(t, err)
	return e
}

func drain(t *testing.T, s *Subscription) []Emission {
	t.Helper()
	var out []Emission
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e, err := s.Next(ctx)
		cancel()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("handle %s did not close", h.Field())
	}
}

const bothFields = `subscription { ticks: clockTicks(events: [2]) { event } alarms { text } }`

func TestClockEndsWhileAlarmsContinue(t *testing.T) {
	clock, alarms := newSource(3), newSource(0)
	for i := 1; i <= 3; i++ {
		clock.events <- map[string]any{"event": i}
	}
	close(clock.events)
	opener := &fakeOpener{sources: map[string]*fakeSource{"clockTicks": clock, "alarms": alarms}}
	m := newMultiplexer(t, opener)

	sub, err := m.Subscribe(context.Background(), mustParse(t, bothFields), "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	var ticks []Emission
	for len(ticks) < 4 {
		ticks = append(ticks, next(t, sub))
	}
	want := []Emission{
		{Path: executor.Path{"ticks"}, Data: map[string]any{"ticks": map[string]any{"event": 1}}, Errors: []executor.GraphQLError{}},
		{Path: executor.Path{"ticks"}, Data: map[string]any{"ticks": map[string]any{"event": 2}}, Errors: []executor.GraphQLError{}},
		{Path: executor.Path{"ticks"}, Data: map[string]any{"ticks": map[string]any{"event": 3}}, Errors: []executor.GraphQLError{}},
		{Path: executor.Path{"ticks"}, Done: true, Reason: BackendEnded},
	}
	if diff := cmp.Diff(want, ticks); diff != "" {
		t.Fatalf("clock emissions mismatch (-want +got):\n%s", diff)
	}

	handles := sub.Handles()
	require.Len(t, handles, 2)
	waitDone(t, handles[0])
	require.Equal(t, Closed, handles[0].State())
	require.Equal(t, BackendEnded, handles[0].Reason())
	require.Equal(t, 3, handles[0].Emissions())
	require.Equal(t, map[string]any{"events": []any{2}}, opener.args["clockTicks"])

	// The alarm stream keeps delivering after the clock ended.
	alarms.events <- map[string]any{"text": "BEAM LOSS"}
	got := next(t, sub)
	require.Equal(t, "alarms", got.Field())
	require.Equal(t, map[string]any{"alarms": map[string]any{"text": "BEAM LOSS"}}, got.Data)
	require.Equal(t, Active, handles[1].State())

	sub.Cancel()
	require.True(t, alarms.isClosed())
	require.Equal(t, Closed, handles[1].State())
	require.Equal(t, ByClient, handles[1].Reason())

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
}

func TestCancelStopsDelivery(t *testing.T) {
	clock, alarms := newSource(8), newSource(8)
	opener := &fakeOpener{sources: map[string]*fakeSource{"clockTicks": clock, "alarms": alarms}}
	m := newMultiplexer(t, opener, WithBuffer(0))

	sub, err := m.Subscribe(context.Background(), mustParse(t, bothFields), "", nil)
	require.NoError(t, err)

	clock.events <- map[string]any{"event": 1}
	next(t, sub)
	// Queue more events the consumer never reads.
	clock.events <- map[string]any{"event": 2}
	alarms.events <- map[string]any{"text": "x"}

	sub.Cancel()
	sub.Cancel()
	for _, h := range sub.Handles() {
		require.Equal(t, Closed, h.State(), h.Field())
		require.Equal(t, ByClient, h.Reason(), h.Field())
	}
	require.True(t, clock.isClosed())
	require.True(t, alarms.isClosed())
	for i := 0; i < 3; i++ {
		_, err := sub.Next(context.Background())
		require.ErrorIs(t, err, ErrCancelled)
	}
}

func TestContextCancelsSubscription(t *testing.T) {
	clock, alarms := newSource(0), newSource(0)
	opener := &fakeOpener{sources: map[string]*fakeSource{"clockTicks": clock, "alarms": alarms}}
	m := newMultiplexer(t, opener)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, mustParse(t, bothFields), "", nil)
	require.NoError(t, err)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end with its context")
	}
	require.True(t, clock.isClosed())
	require.True(t, alarms.isClosed())
}

func TestFieldFailurePolicies(t *testing.T) {
	boom := failure.New(failure.BackendCallFailed, "clock", "clock service restarted")

	t.Run("field scoped", func(t *testing.T) {
		clock, alarms := newSource(0), newSource(1)
		clock.err = boom
		close(clock.events)
		opener := &fakeOpener{sources: map[string]*fakeSource{"clockTicks": clock, "alarms": alarms}}
		sub, err := newMultiplexer(t, opener).Subscribe(context.Background(), mustParse(t, bothFields), "", nil)
		require.NoError(t, err)

		final := next(t, sub)
		require.Equal(t, "ticks", final.Field())
		require.True(t, final.Done)
		require.Equal(t, BackendFailed, final.Reason)
		require.Equal(t, map[string]any{"ticks": nil}, final.Data)
		require.Len(t, final.Errors, 1)
		require.Equal(t, failure.BackendCallFailed, final.Errors[0].Kind())
		require.Equal(t, executor.Path{"ticks"}, final.Errors[0].Path)

		alarms.events <- map[string]any{"text": "still here"}
		got := next(t, sub)
		require.Equal(t, "alarms", got.Field())
		require.False(t, got.Done)
		sub.Cancel()
	})

	t.Run("all or nothing", func(t *testing.T) {
		clock, alarms := newSource(0), newSource(0)
		clock.err = boom
		close(clock.events)
		opener := &fakeOpener{sources: map[string]*fakeSource{"clockTicks": clock, "alarms": alarms}}
		sub, err := newMultiplexer(t, opener, WithPolicy(AllOrNothing)).Subscribe(context.Background(), mustParse(t, bothFields), "", nil)
		require.NoError(t, err)

		got := drain(t, sub)
		require.Len(t, got, 1)
		require.Equal(t, "ticks", got[0].Field())
		require.Equal(t, failure.BackendCallFailed, got[0].Errors[0].Kind())

		handles := sub.Handles()
		require.Equal(t, BackendFailed, handles[1].Reason())
		require.Equal(t, Closed, handles[1].State())
		require.True(t, alarms.isClosed())
	})
}

func TestOpenFailure(t *testing.T) {
	clock := newSource(1)
	opener := &fakeOpener{
		sources: map[string]*fakeSource{"clockTicks": clock},
		errs:    map[string]error{"alarms": failure.New(failure.BackendUnavailable, "alarms", "message broker unreachable")},
	}
	sub, err := newMultiplexer(t, opener).Subscribe(context.Background(), mustParse(t, bothFields), "", nil)
	require.NoError(t, err)

	final := next(t, sub)
	require.Equal(t, "alarms", final.Field())
	require.True(t, final.Done)
	require.Equal(t, map[string]any{"alarms": nil}, final.Data)
	require.Equal(t, failure.BackendUnavailable, final.Errors[0].Kind())
	require.Equal(t, "alarms", final.Errors[0].Extensions["backend"])

	clock.events <- map[string]any{"event": 7}
	got := next(t, sub)
	require.Equal(t, map[string]any{"ticks": map[string]any{"event": 7}}, got.Data)
	sub.Cancel()
}

func TestMaxLifetime(t *testing.T) {
	clock, alarms := newSource(0), newSource(0)
	opener := &fakeOpener{sources: map[string]*fakeSource{"clockTicks": clock, "alarms": alarms}}
	m := newMultiplexer(t, opener, WithMaxLifetime(50*time.Millisecond))

	sub, err := m.Subscribe(context.Background(), mustParse(t, bothFields), "", nil)
	require.NoError(t, err)

	got := drain(t, sub)
	require.Len(t, got, 2)
	fields := map[string]failure.Kind{}
	for _, e := range got {
		require.True(t, e.Done)
		require.Len(t, e.Errors, 1)
		fields[e.Field()] = e.Errors[0].Kind()
	}
	want := map[string]failure.Kind{"ticks": failure.Timeout, "alarms": failure.Timeout}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Fatalf("final error kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribeRejectsInvalidOperation(t *testing.T) {
	m := newMultiplexer(t, &fakeOpener{})
	for name, q := range map[string]string{
		"query":         `{ x }`,
		"unknown field": `subscription { nope }`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Subscribe(context.Background(), mustParse(t, q), "", nil)
			require.Equal(t, failure.InvalidArgument, failure.KindOf(err))
		})
	}
}

func TestStrings(t *testing.T) {
	require.Equal(t, "Active", Active.String())
	require.Equal(t, "BackendEnded", BackendEnded.String())
	require.Equal(t, "all-or-nothing", AllOrNothing.String())
	require.Equal(t, "field-scoped", FieldScoped.String())
}
