package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stampline/internal/db"
	"stampline/internal/domain"
	"stampline/internal/migrate"
	"stampline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.New(conn, db.SQLite, repo.Limits{})
}

type recordingSink struct {
	mu     sync.Mutex
	name   string
	got    []domain.Event
	failOn int64
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == s.failOn {
		return errors.New("sink down")
	}
	s.got = append(s.got, evt)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.got {
		out = append(out, e.Type)
	}
	return out
}

func TestDispatcherPersistsCursorAndResumes(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	s, err := r.Create(ctx, "theme")
	require.NoError(t, err)
	require.NoError(t, r.AppendEvent(ctx, s.ID, domain.EventCheckpointReached, map[string]string{"checkpoint": "choose_concept"}))

	sink := &recordingSink{name: "rec", failOn: 2}
	d := &Dispatcher{Source: r, Subscriptions: []Subscription{{Sink: sink, FromStart: true}}, Logger: zerolog.Nop()}
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{domain.EventSetCreated}, sink.types())
	cur, ok, err := r.Cursor(ctx, "rec")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), cur)

	sink.failOn = 0
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{domain.EventSetCreated, domain.EventCheckpointReached}, sink.types())

	// a fresh dispatcher picks up from the stored cursor
	again := &recordingSink{name: "rec"}
	d2 := &Dispatcher{Source: r, Subscriptions: []Subscription{{Sink: again, FromStart: true}}, Logger: zerolog.Nop()}
	d2.DispatchOnce(ctx)
	assert.Empty(t, again.types())
}

func TestNewSinkStartsAtEndOfOutbox(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	s, err := r.Create(ctx, "old")
	require.NoError(t, err)

	sink := &recordingSink{name: "late"}
	d := &Dispatcher{Source: r, Subscriptions: []Subscription{{Sink: sink}}, Logger: zerolog.Nop()}
	d.DispatchOnce(ctx)
	assert.Empty(t, sink.types())

	require.NoError(t, r.AppendEvent(ctx, s.ID, domain.EventJobFailed, map[string]string{"reason": "x"}))
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{domain.EventJobFailed}, sink.types())
}

func TestSubscriptionFilterAdvancesCursorPastSkippedEvents(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	s, err := r.Create(ctx, "theme")
	require.NoError(t, err)
	require.NoError(t, r.AppendEvent(ctx, s.ID, domain.EventJobCompleted, map[string]int{"ready": 25}))

	sink := &recordingSink{name: "only-completed"}
	d := &Dispatcher{Source: r, Subscriptions: []Subscription{{Sink: sink, Events: []string{domain.EventJobCompleted}, FromStart: true}}, Logger: zerolog.Nop()}
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{domain.EventJobCompleted}, sink.types())
	cur, _, err := r.Cursor(ctx, "only-completed")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
}

func TestWebhookSinkPostsEnvelope(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		if !assert.NoError(t, json.Unmarshal(data, &body)) {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret", time.Second)
	evt := domain.Event{ID: 7, TS: "2024-01-01T00:00:00Z", Type: domain.EventJobCompleted, SetID: "set-1", Payload: `{"ready":25}`}
	require.NoError(t, sink.Deliver(context.Background(), evt))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.EventJobCompleted, headers.Get("X-Stampline-Event"))
	assert.Equal(t, "7", headers.Get("X-Stampline-Delivery"))
	assert.Equal(t, "set-1", headers.Get("X-Stampline-Set"))
	assert.Equal(t, "s3cret", headers.Get("X-Stampline-Secret"))
	assert.Equal(t, "set-1", body.SetID)
	assert.JSONEq(t, `{"ready":25}`, string(body.Payload))
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "", time.Second).Deliver(context.Background(), domain.Event{ID: 1, Type: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestEnvelopeKeepsInvalidPayloadRaw(t *testing.T) {
	env := NewEnvelope(domain.Event{ID: 1, Payload: "not json"})
	assert.JSONEq(t, `{}`, string(env.Payload))
	assert.Equal(t, "not json", env.PayloadRaw)
}

type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	published []amqp.Publishing
	keys      []string
	confirms  chan amqp.Confirmation
	ack       bool
	pubErr    error
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+"/"+kind)
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: f.ack}
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPSinkPublishesWithEventTypeRoutingKey(t *testing.T) {
	ch := &fakeChannel{ack: true}
	var dials atomic.Int32
	sink := NewAMQPSink("amqp://test", "stampline.events")
	sink.dial = func(url string) (amqpChannel, func() error, error) {
		dials.Add(1)
		return ch, func() error { return nil }, nil
	}

	evt := domain.Event{ID: 3, TS: "2024-01-01T00:00:00Z", Type: domain.EventCheckpointReached, SetID: "set-9", Payload: `{}`}
	require.NoError(t, sink.Deliver(context.Background(), evt))
	require.NoError(t, sink.Deliver(context.Background(), domain.Event{ID: 4, Type: domain.EventJobFailed}))

	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, []string{"stampline.events/topic"}, ch.declared)
	assert.Equal(t, []string{domain.EventCheckpointReached, domain.EventJobFailed}, ch.keys)
	assert.Equal(t, "3", ch.published[0].MessageId)
	assert.Equal(t, "set-9", ch.published[0].Headers["set_id"])
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "amqp:stampline.events", sink.Name())
}

func TestAMQPSinkNackAndRedial(t *testing.T) {
	ch := &fakeChannel{ack: false}
	var dials atomic.Int32
	sink := NewAMQPSink("amqp://test", "ex")
	sink.dial = func(url string) (amqpChannel, func() error, error) {
		dials.Add(1)
		return ch, func() error { return nil }, nil
	}
	err := sink.Deliver(context.Background(), domain.Event{ID: 1, Type: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nacked")

	ch.pubErr = errors.New("channel closed")
	require.Error(t, sink.Deliver(context.Background(), domain.Event{ID: 2, Type: "x"}))
	assert.True(t, ch.closed)

	ch.pubErr = nil
	ch.ack = true
	require.NoError(t, sink.Deliver(context.Background(), domain.Event{ID: 2, Type: "x"}))
	assert.Equal(t, int32(2), dials.Load())
}

func TestLogSinkAcceptsEverything(t *testing.T) {
	require.NoError(t, LogSink{Logger: zerolog.Nop()}.Deliver(context.Background(), domain.Event{ID: 1, Type: "x", Payload: `{"a":1}`}))
}
