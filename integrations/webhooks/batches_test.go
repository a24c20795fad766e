package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"adchain/settlement"
)

func TestDispatcherSignsPayload(t *testing.T) {
	secret := []byte("secret")
	type received struct {
		event     string
		signature string
		body      []byte
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		got <- received{event: r.Header.Get("X-Adchain-Event"), signature: r.Header.Get("X-Adchain-Signature"), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, secret)
	require.NoError(t, err)
	defer dispatcher.Close()

	dispatcher.BatchRecorded(settlement.BatchRecord{ID: "r1", CampaignID: "c1", Success: true})
	var msg received
	select {
	case msg = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	require.Equal(t, string(EventBatchSettled), msg.event)
	require.True(t, Verify(secret, msg.body, msg.signature))

	var payload BatchPayload
	require.NoError(t, json.Unmarshal(msg.body, &payload))
	require.Equal(t, "c1", payload.Record.CampaignID)
}

func TestDispatcherMarksFailures(t *testing.T) {
	var mu sync.Mutex
	events := []string{}
	done := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		events = append(events, r.Header.Get("X-Adchain-Event"))
		mu.Unlock()
		done <- struct{}{}
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("s"))
	require.NoError(t, err)
	defer dispatcher.Close()

	require.NoError(t, dispatcher.Enqueue(settlement.BatchRecord{ID: "r2", Reason: "budget_exhausted"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{string(EventBatchFailed)}, events)
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)
	defer dispatcher.Close()

	require.NoError(t, dispatcher.Enqueue(settlement.BatchRecord{ID: "r3", Success: true}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(" ", []byte("s"))
	require.Error(t, err)
	_, err = NewDispatcher("http://localhost", nil)
	require.Error(t, err)
}

func TestNextBackoffCaps(t *testing.T) {
	require.Equal(t, 4*time.Second, nextBackoff(2*time.Second, 30*time.Second))
	require.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
}
