package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romancircus/jinyang/internal/common/logger"
)

func TestCreateSessionSendsDirectory(t *testing.T) {
	var gotDir string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotDir = body["directory"]
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-9"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", logger.Default())
	id, err := client.CreateSession(context.Background(), "/tmp/wt")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", id)
	assert.Equal(t, "/tmp/wt", gotDir)
}

func TestStatusAbsentOn404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", logger.Default())
	status, err := client.Status(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "absent", status)
}

func TestStatusCodeOf(t *testing.T) {
	err := &apiError{StatusCode: 503, Body: "down"}
	assert.Equal(t, 503, StatusCodeOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, 0, StatusCodeOf(fmt.Errorf("plain")))
}

func TestSubscribeParsesSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"file.edited\",\"properties\":{\"file\":\"a.go\"}}\n\n")
		fmt.Fprint(w, ": comment line ignored\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{}}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, "", logger.Default())
	stream, err := client.Subscribe(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	var events []Event
	timeout := time.After(2 * time.Second)
	for len(events) < 2 {
		select {
		case event := <-stream.Events:
			events = append(events, event)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, EventFileEdited, events[0].Type)
	assert.Equal(t, "a.go", events[0].Properties.File)
	assert.Equal(t, EventSessionIdle, events[1].Type)
}
