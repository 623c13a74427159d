package taskqueue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string) *Client {
	logger, _ := test.NewNullLogger()
	return NewClient(url, time.Second, logger)
}

func TestClient_Claim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks/claim", r.URL.Path)
		assert.Equal(t, "talkwalker", r.URL.Query().Get("task_type"))
		assert.Equal(t, "worker-1", r.URL.Query().Get("agent_id"))
		fmt.Fprint(w, `{"status": true, "data": {"id": 42, "task_type": "talkwalker", "query": {"topic_id": "t1", "project_id": "p1"}}}`)
	}))
	defer server.Close()

	task, err := newClient(server.URL+"/tasks/").Claim(context.Background(), "talkwalker", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "42", task.ID)
	assert.Equal(t, "talkwalker", task.Type)
	assert.JSONEq(t, `{"topic_id": "t1", "project_id": "p1"}`, task.Query)
}

func TestClient_Claim_StringQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": true, "data": {"id": "abc", "query": "{\"topic_id\": \"t1\"}"}}`)
	}))
	defer server.Close()

	task, err := newClient(server.URL).Claim(context.Background(), "talkwalker", "a")
	require.NoError(t, err)
	assert.Equal(t, `{"topic_id": "t1"}`, task.Query)
}

func TestClient_Claim_NoTask(t *testing.T) {
	for _, body := range []string{`{"status": false, "message": "empty"}`, `{"status": true}`} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))

		_, err := newClient(server.URL).Claim(context.Background(), "talkwalker", "a")
		assert.ErrorIs(t, err, ErrNoTask)
		server.Close()
	}
}

func TestClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/complete", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "output/p6m/public/raw/x.jsonl", q.Get("object_storage_key_for_results"))
		assert.Equal(t, "42", q.Get("task_id"))
		assert.Equal(t, "true", q.Get("success"))
		assert.Equal(t, "saved 5 records", q.Get("message"))
		fmt.Fprint(w, `{"status": true}`)
	}))
	defer server.Close()

	err := newClient(server.URL).Complete(context.Background(), "output/p6m/public/raw/x.jsonl", "42", true, "saved 5 records")
	assert.NoError(t, err)
}

func TestClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := newClient(server.URL).Complete(context.Background(), "k", "1", false, "failed")
	assert.ErrorContains(t, err, "task queue returned status 502")
}
