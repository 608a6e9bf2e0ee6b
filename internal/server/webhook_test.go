package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/loader"
	"github.com/kilupskalvis/kgserve/internal/models"
)

func TestNewWebhookNotifier_NilConfig(t *testing.T) {
	wn := NewWebhookNotifier(nil, slog.Default())
	assert.Nil(t, wn)
}

func TestNewWebhookNotifier_EmptyURLs(t *testing.T) {
	wn := NewWebhookNotifier(&WebhookConfig{URLs: nil}, slog.Default())
	assert.Nil(t, wn)
}

func TestWebhookNotifier_NotifyLoad_NilReceiver(t *testing.T) {
	// Should not panic
	var wn *WebhookNotifier
	wn.NotifyLoad("/bundles/a", nil, kgerr.ManifestInvalid("domain", "empty"))
}

// collector records webhook deliveries.
type collector struct {
	mu     sync.Mutex
	events []WebhookEvent
}

func (c *collector) handler(w http.ResponseWriter, r *http.Request) {
	var event WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) snapshot() []WebhookEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WebhookEvent(nil), c.events...)
}

func TestWebhookNotifier_NotifyLoad(t *testing.T) {
	c := &collector{}
	ts := httptest.NewServer(http.HandlerFunc(c.handler))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)

	wn.NotifyLoad("/bundles/a", &loader.Result{
		Action: loader.ActionLoaded,
		Record: &models.BundleRecord{BundleID: "b1", Checksum: "blake3:00"},
	}, nil)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ev := c.snapshot()[0]
	assert.Equal(t, EventBundleLoaded, ev.Event)
	assert.Equal(t, "/bundles/a", ev.Source)
	assert.Equal(t, "loaded", ev.Action)
	assert.Equal(t, "b1", ev.BundleID)
	assert.Equal(t, "blake3:00", ev.Checksum)
	assert.NotEmpty(t, ev.Timestamp)
}

func TestWebhookNotifier_NotifyLoadFailure(t *testing.T) {
	c := &collector{}
	ts := httptest.NewServer(http.HandlerFunc(c.handler))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	wn.NotifyLoad("/bundles/a", nil, kgerr.BundleConflict("b1", "x", "y"))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ev := c.snapshot()[0]
	assert.Equal(t, EventBundleFailed, ev.Event)
	assert.Equal(t, "bundle_conflict", ev.ErrorKind)
	assert.Contains(t, ev.Error, "bundle conflict")
}

func TestWebhookNotifier_SkippedNotReported(t *testing.T) {
	c := &collector{}
	ts := httptest.NewServer(http.HandlerFunc(c.handler))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	wn.NotifyLoad("/bundles/a", &loader.Result{Action: loader.ActionSkipped, Record: &models.BundleRecord{}}, nil)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestWebhookNotifier_MultipleURLs(t *testing.T) {
	c := &collector{}
	ts1 := httptest.NewServer(http.HandlerFunc(c.handler))
	defer ts1.Close()
	ts2 := httptest.NewServer(http.HandlerFunc(c.handler))
	defer ts2.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts1.URL, ts2.URL}}, slog.Default())
	wn.NotifyLoad("/b", &loader.Result{Action: loader.ActionLoaded, Record: &models.BundleRecord{BundleID: "b"}}, nil)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookNotifier_Post_4xxNoRetry(t *testing.T) {
	var mu sync.Mutex
	callCount := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)

	err := wn.post(ts.URL, []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, 1, callCount) // no retry for 4xx
}

func TestWebhookNotifier_Post_5xxRetried(t *testing.T) {
	var mu sync.Mutex
	callCount := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		callCount++
		if callCount < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	wn.retryWait = time.Millisecond

	require.NoError(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, 3, callCount)
}
