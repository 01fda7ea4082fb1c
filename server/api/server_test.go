// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/absmach/hmq/broker"
	"github.com/absmach/hmq/broker/events"
	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var types []string
	for _, ev := range n.events {
		types = append(types, ev.Type())
	}
	return types
}

type testEnv struct {
	qm       *queue.Manager
	notifier *recordingNotifier
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	qm := queue.NewManager(queue.Config{DefaultOptions: queue.DefaultOptions(), Logger: logger})
	require.NoError(t, qm.Start(context.Background()))
	b := broker.New(broker.DefaultConfig(), qm, logger)

	notifier := &recordingNotifier{}
	s := New(Config{}, b, notifier, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		qm.Stop()
	})

	return &testEnv{qm: qm, notifier: notifier, server: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func ptr[T any](v T) *T { return &v }

func TestCreateQueue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.qm.CreateQueue(context.Background(), "existing", queue.DefaultOptions())
	require.NoError(t, err)

	cases := []struct {
		desc   string
		req    QueueRequest
		status int
		code   uint16
	}{
		{
			desc:   "pull queue",
			req:    QueueRequest{Name: "jobs", Type: ptr("pull"), Acknowledge: ptr("wait"), AckTimeout: ptr("5s")},
			status: http.StatusCreated,
		},
		{
			desc:   "defaults",
			req:    QueueRequest{Name: "plain"},
			status: http.StatusCreated,
		},
		{
			desc:   "paused on creation",
			req:    QueueRequest{Name: "paused", Status: ptr("paused")},
			status: http.StatusCreated,
		},
		{
			desc:   "duplicate name",
			req:    QueueRequest{Name: "existing"},
			status: http.StatusConflict,
			code:   protocol.StatusDuplicate,
		},
		{
			desc:   "invalid name",
			req:    QueueRequest{Name: "bad name!"},
			status: http.StatusBadRequest,
			code:   protocol.StatusBadRequest,
		},
		{
			desc:   "unknown type",
			req:    QueueRequest{Name: "weird", Type: ptr("fanout")},
			status: http.StatusBadRequest,
			code:   protocol.StatusBadRequest,
		},
		{
			desc:   "invalid duration",
			req:    QueueRequest{Name: "slow", AckTimeout: ptr("soon")},
			status: http.StatusBadRequest,
			code:   protocol.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/queues", tc.req)
			require.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			if tc.status != http.StatusCreated {
				assert.Equal(t, tc.code, decode[ErrorResponse](t, resp).Status)
				return
			}
			info := decode[queue.Info](t, resp)
			assert.Equal(t, tc.req.Name, info.Name)
			if tc.req.Type != nil {
				assert.Equal(t, queue.Type(*tc.req.Type), info.Options.Type)
			}
			if tc.req.Status != nil {
				q, err := env.qm.Get(tc.req.Name)
				require.NoError(t, err)
				assert.Equal(t, queue.Status(*tc.req.Status), q.Status())
			}
		})
	}

	assert.Equal(t, []string{events.TypeQueueCreated, events.TypeQueueCreated, events.TypeQueueCreated}, env.notifier.types())
}

func TestGetAndListQueues(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"b-queue", "a-queue"} {
		_, err := env.qm.CreateQueue(context.Background(), name, queue.DefaultOptions())
		require.NoError(t, err)
	}

	resp := env.do(t, http.MethodGet, "/queues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	infos := decode[[]queue.Info](t, resp)
	require.Len(t, infos, 2)
	assert.Equal(t, "a-queue", infos[0].Name)
	assert.Equal(t, "b-queue", infos[1].Name)

	resp = env.do(t, http.MethodGet, "/queues/b-queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "b-queue", decode[queue.Info](t, resp).Name)

	resp = env.do(t, http.MethodGet, "/queues/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, protocol.StatusNotFound, decode[ErrorResponse](t, resp).Status)
}

func TestUpdateQueue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.qm.CreateQueue(context.Background(), "jobs", queue.DefaultOptions())
	require.NoError(t, err)

	cases := []struct {
		desc   string
		path   string
		req    QueueRequest
		status int
	}{
		{desc: "message limit", path: "/queues/jobs", req: QueueRequest{MessageLimit: ptr(10)}, status: http.StatusOK},
		{desc: "pause", path: "/queues/jobs", req: QueueRequest{Status: ptr("paused")}, status: http.StatusOK},
		{desc: "unknown status", path: "/queues/jobs", req: QueueRequest{Status: ptr("sleeping")}, status: http.StatusBadRequest},
		{desc: "negative limit", path: "/queues/jobs", req: QueueRequest{ClientLimit: ptr(-1)}, status: http.StatusBadRequest},
		{desc: "missing queue", path: "/queues/missing", req: QueueRequest{}, status: http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			resp := env.do(t, http.MethodPut, tc.path, tc.req)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	q, err := env.qm.Get("jobs")
	require.NoError(t, err)
	assert.Equal(t, 10, q.Options().MessageLimit)
	assert.Equal(t, queue.StatusPaused, q.Status())
	assert.Contains(t, env.notifier.types(), events.TypeQueueUpdated)
}

func TestClearMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opts := queue.DefaultOptions()
	opts.Type = queue.TypePull
	_, err := env.qm.CreateQueue(ctx, "jobs", opts)
	require.NoError(t, err)

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, env.qm.Push(ctx, "producer", protocol.NewMessage(protocol.KindQueueMessage, "jobs", []byte(body))))
	}

	resp := env.do(t, http.MethodDelete, "/queues/jobs/messages?clear=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/queues/jobs/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ClearResponse{Queue: "jobs", Removed: 3}, decode[ClearResponse](t, resp))

	resp = env.do(t, http.MethodDelete, "/queues/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoveQueue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.qm.CreateQueue(context.Background(), "jobs", queue.DefaultOptions())
	require.NoError(t, err)

	resp := env.do(t, http.MethodDelete, "/queues/jobs", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = env.qm.Get("jobs")
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)

	resp = env.do(t, http.MethodDelete, "/queues/jobs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, []string{events.TypeQueueRemoved}, env.notifier.types())
}

func TestClientsAndStats(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/clients", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]broker.ClientInfo](t, resp))

	resp = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(0), decode[broker.StatsSnapshot](t, resp).CurrentConnections)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPatch, "/queues", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
