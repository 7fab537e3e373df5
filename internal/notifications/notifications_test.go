package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
	"github.com/thatsimonsguy/greenhouse-controller/internal/env"
)

type capturedRequest struct {
	method  string
	path    string
	headers http.Header
	body    []byte
}

func ntfyServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{r.Method, r.URL.Path, r.Header.Clone(), body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

var topics = map[Category]string{
	General:   "gh-general",
	Emergency: "gh-emergency",
	Images:    "gh-images",
}

func TestNtfy_General(t *testing.T) {
	srv, requests := ntfyServer(t, http.StatusOK)
	n := NewNtfy(srv.URL+"/", "tk_secret", topics)

	require.NoError(t, n.Send(context.Background(), Message{Category: General, Text: "Lights Auto-ON"}))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "Bearer tk_secret", reqs[0].headers.Get("Authorization"))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(reqs[0].body, &payload))
	assert.Equal(t, "gh-general", payload["topic"])
	assert.Equal(t, "Lights Auto-ON", payload["message"])
	assert.NotContains(t, payload, "priority")
}

func TestNtfy_EmergencyIsUrgent(t *testing.T) {
	srv, requests := ntfyServer(t, http.StatusOK)
	n := NewNtfy(srv.URL, "", topics)

	require.NoError(t, n.Send(context.Background(), Message{Category: Emergency, Text: "@everyone **OVERHEAT:** 91.0F! Killing Lights."}))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(requests()[0].body, &payload))
	assert.Equal(t, "gh-emergency", payload["topic"])
	assert.Equal(t, float64(5), payload["priority"])
	assert.Equal(t, []interface{}{"rotating_light"}, payload["tags"])
	assert.Empty(t, requests()[0].headers.Get("Authorization"))
}

func TestNtfy_Attachment(t *testing.T) {
	srv, requests := ntfyServer(t, http.StatusOK)
	n := NewNtfy(srv.URL, "", topics)
	path := filepath.Join(t.TempDir(), "grow_2026-06-01_15-00-00.jpg")
	require.NoError(t, os.WriteFile(path, []byte("\xff\xd8jpeg"), 0644))

	err := n.Send(context.Background(), Message{Category: Images, Text: "Hourly Update: 03:00 PM", Attachment: path})

	require.NoError(t, err)
	req := requests()[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/gh-images", req.path)
	assert.Equal(t, "grow_2026-06-01_15-00-00.jpg", req.headers.Get("Filename"))
	assert.Equal(t, "Hourly Update: 03:00 PM", req.headers.Get("Message"))
	assert.Equal(t, []byte("\xff\xd8jpeg"), req.body)
}

func TestNtfy_MissingAttachment(t *testing.T) {
	srv, requests := ntfyServer(t, http.StatusOK)
	n := NewNtfy(srv.URL, "", topics)

	err := n.Send(context.Background(), Message{Category: Images, Attachment: "/nonexistent/grow.jpg"})

	assert.Error(t, err)
	assert.Empty(t, requests())
}

func TestNtfy_FallsBackToGeneralTopic(t *testing.T) {
	srv, requests := ntfyServer(t, http.StatusOK)
	n := NewNtfy(srv.URL, "", map[Category]string{General: "only-general"})

	require.NoError(t, n.Send(context.Background(), Message{Category: Emergency, Text: "hot"}))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(requests()[0].body, &payload))
	assert.Equal(t, "only-general", payload["topic"])
}

func TestNtfy_ErrorStatus(t *testing.T) {
	srv, _ := ntfyServer(t, http.StatusTooManyRequests)
	n := NewNtfy(srv.URL, "", topics)

	assert.Error(t, n.Send(context.Background(), Message{Category: General, Text: "x"}))
}

type fakeSink struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	sent  []Message
	calls int
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	s.calls++
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) stats() (calls int, sent []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]Message(nil), s.sent...)
}

func TestBestEffort_Delivers(t *testing.T) {
	sink := &fakeSink{}
	b := NewBestEffort(sink, BestEffortOptions{})

	b.Notify(context.Background(), Message{Category: General, Text: "one"})
	b.Notify(context.Background(), Message{Category: General, Text: "two"})
	b.Close()

	_, sent := sink.stats()
	require.Len(t, sent, 2)
	assert.Equal(t, "one", sent[0].Text)
	assert.Equal(t, "two", sent[1].Text)
}

func TestBestEffort_SwallowsFailures(t *testing.T) {
	sink := &fakeSink{err: errors.New("connection refused")}
	b := NewBestEffort(sink, BestEffortOptions{TripAfter: 100})

	assert.NotPanics(t, func() {
		b.Notify(context.Background(), Message{Category: General, Text: "lost"})
		b.Close()
	})
	calls, sent := sink.stats()
	assert.Equal(t, 1, calls, "no retries")
	assert.Empty(t, sent)
}

func TestBestEffort_BreakerSkipsDeadSink(t *testing.T) {
	sink := &fakeSink{err: errors.New("503")}
	b := NewBestEffort(sink, BestEffortOptions{TripAfter: 2, OpenFor: time.Hour})

	for i := 0; i < 5; i++ {
		b.Notify(context.Background(), Message{Category: General, Text: "x"})
	}
	b.Close()

	calls, _ := sink.stats()
	assert.Equal(t, 2, calls)
}

func TestBestEffort_TimeoutBoundsSend(t *testing.T) {
	sink := &fakeSink{delay: time.Minute}
	b := NewBestEffort(sink, BestEffortOptions{Timeout: 50 * time.Millisecond})

	start := time.Now()
	b.Notify(context.Background(), Message{Category: General, Text: "slow"})
	b.Close()

	assert.Less(t, time.Since(start), 5*time.Second)
	_, sent := sink.stats()
	assert.Empty(t, sent)
}

func TestBestEffort_NotifyNeverBlocks(t *testing.T) {
	sink := &fakeSink{delay: 200 * time.Millisecond}
	b := NewBestEffort(sink, BestEffortOptions{QueueSize: 1})
	defer b.Close()

	start := time.Now()
	for i := 0; i < 10; i++ {
		b.Notify(context.Background(), Message{Category: General, Text: "burst"})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBestEffort_NotifyAfterClose(t *testing.T) {
	b := NewBestEffort(&fakeSink{}, BestEffortOptions{})
	b.Close()

	assert.NotPanics(t, func() { b.Notify(context.Background(), Message{Text: "late"}) })
}

type fakePublisher struct {
	topic   string
	payload []byte
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.topic, p.payload = topic, payload
	return nil
}

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "greenhouse")

	err := sink.Send(context.Background(), Message{Category: Images, Text: "Hourly Update: 09:00 AM", Attachment: "photos/grow.jpg"})

	require.NoError(t, err)
	assert.Equal(t, "greenhouse/notify/images", pub.topic)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "images", got["category"])
	assert.Equal(t, "photos/grow.jpg", got["attachment"])
}

type recorder struct{ msgs []Message }

func (r *recorder) Notify(_ context.Context, msg Message) { r.msgs = append(r.msgs, msg) }

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, b, Discard{}}

	f.Notify(context.Background(), Message{Category: General, Text: "hi"})

	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}

func TestInit(t *testing.T) {
	orig := env.Cfg
	t.Cleanup(func() { env.Cfg = orig })

	env.Cfg = &config.Config{}
	assert.Empty(t, Init(nil))

	env.Cfg = &config.Config{
		Ntfy: config.Ntfy{Server: "https://ntfy.sh", Topics: config.NtfyTopics{General: "g"}},
		MQTT: config.MQTT{TopicPrefix: "greenhouse"},
	}
	f := Init(&fakePublisher{})
	defer f.Close()
	assert.Len(t, f, 2)
}
