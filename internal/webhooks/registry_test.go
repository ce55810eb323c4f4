package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&Subscription{Events: []EventType{EventVerdictDenied}}))
	assert.Error(t, r.Register(&Subscription{URL: "http://example.com/hook"}))

	sub := &Subscription{URL: "http://example.com/hook", Events: []EventType{EventVerdictDenied}}
	require.NoError(t, r.Register(sub))
	assert.Contains(t, sub.ID, "wh_")
	assert.True(t, sub.Active)
}

func TestSubscribers_FilteredByEventType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{URL: "http://a", Events: []EventType{EventVerdictDenied}}))
	require.NoError(t, r.Register(&Subscription{URL: "http://b", Events: []EventType{EventCircuitTripped}}))

	assert.Len(t, r.Subscribers(EventVerdictDenied), 1)
	assert.Len(t, r.Subscribers(EventCircuitTripped), 1)
	assert.Empty(t, r.Subscribers(EventTrustChanged))
	assert.Len(t, r.List(), 2)
}

func TestUnregister_RemovesFromIndex(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "http://a", Events: []EventType{EventVerdictDenied}}
	require.NoError(t, r.Register(sub))
	require.NoError(t, r.Unregister(sub.ID))

	assert.Empty(t, r.Subscribers(EventVerdictDenied))
	assert.Error(t, r.Unregister(sub.ID))
}

func TestMarkFailed_DisablesAfterTenFailures(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "http://a", Events: []EventType{EventVerdictDenied}}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 9; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.Len(t, r.Subscribers(EventVerdictDenied), 1)

	r.MarkFailed(sub.ID)
	assert.Empty(t, r.Subscribers(EventVerdictDenied))
}

func TestSignPayload_Deterministic(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, SignPayload([]byte(`{"a":1}`), "secret"))
	assert.NotEqual(t, sig, SignPayload([]byte(`{"a":1}`), "other"))
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	var delivered atomic.Int32
	var gotSig, gotType string
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotSig = req.Header.Get("X-Basis-Signature")
		gotType = req.Header.Get("X-Basis-Event-Type")
		body, _ = io.ReadAll(req.Body)
		delivered.Add(1)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventVerdictDenied},
		Secret: "topsecret",
	}))

	d := NewDispatcher(r, 1)
	d.Emit(EventVerdictDenied, "agent_a", map[string]interface{}{"action": "deny"})
	d.Shutdown()

	require.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, string(EventVerdictDenied), gotType)
	assert.Equal(t, "sha256="+SignPayload(body, "topsecret"), gotSig)

	var evt Event
	require.NoError(t, json.Unmarshal(body, &evt))
	assert.Equal(t, "agent_a", evt.EntityID)
}

func TestDispatcher_EntityScopedSubscription(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		delivered.Add(1)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL:      srv.URL,
		Events:   []EventType{EventVerdictDenied},
		EntityID: "agent_a",
	}))

	d := NewDispatcher(r, 1)
	d.Emit(EventVerdictDenied, "agent_b", nil) // filtered out
	d.Emit(EventVerdictDenied, "agent_a", nil)
	d.Shutdown()

	// Shutdown drains the queue before workers exit.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestDispatcher_ShutdownDuringRetryBackoff(t *testing.T) {
	r := NewRegistry()
	// Nothing listens here; the first delivery fails and schedules a retry.
	require.NoError(t, r.Register(&Subscription{
		URL:    "http://127.0.0.1:1",
		Events: []EventType{EventVerdictDenied},
	}))

	d := NewDispatcher(r, 1)
	d.Emit(EventVerdictDenied, "agent_a", nil)

	// Let the delivery fail and enter its backoff wait, then shut down
	// while the retry is pending. This must return, not panic.
	time.Sleep(100 * time.Millisecond)
	finished := make(chan struct{})
	go func() {
		d.Shutdown()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete while a retry was pending")
	}

	// Emits after shutdown are dropped instead of panicking.
	d.Emit(EventVerdictDenied, "agent_a", nil)
}
