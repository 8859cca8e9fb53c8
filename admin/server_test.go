package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masa23/newsfunnel/mailconn/mailconntest"
	"github.com/masa23/newsfunnel/mailope"
	"github.com/masa23/newsfunnel/model"
	"github.com/masa23/newsfunnel/monitor"
	"github.com/masa23/newsfunnel/objectstorage"
	"github.com/masa23/newsfunnel/registry"
	"github.com/masa23/newsfunnel/store"
)

type nopSink struct{}

func (nopSink) Ingest(context.Context, *model.Message, []byte, mailope.Source) mailope.Outcome {
	return mailope.Ingested
}

type fakeRegistry struct {
	statuses   []monitor.Status
	monitoring []uint64
	manager    *monitor.Manager
	handles    []*monitor.Handle
}

func (r *fakeRegistry) Status() []monitor.Status { return r.statuses }
func (r *fakeRegistry) Monitoring() []uint64     { return r.monitoring }

func (r *fakeRegistry) Resubscribe(id uint64) (*monitor.Handle, error) {
	if id != 7 {
		return nil, fmt.Errorf("account %d: %w", id, registry.ErrNotRegistered)
	}
	h := r.manager.Open(context.Background(), model.Account{Model: model.Model{ID: 7}, Login: "me@example.com", Host: "imap.example.com"})
	r.handles = append(r.handles, h)
	return h, nil
}

type fakeMessages map[uint64]*model.Message

func (m fakeMessages) GetMessage(_ context.Context, id uint64) (*model.Message, error) {
	msg, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

type fakeArchive map[string]string

func (a fakeArchive) Get(_ context.Context, key string) ([]byte, error) {
	if key == "broken" {
		return nil, errors.New("503 slow down")
	}
	raw, ok := a[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, objectstorage.ErrNotFound)
	}
	return []byte(raw), nil
}

func newRegistry(t *testing.T) *fakeRegistry {
	m := monitor.NewManager(mailconntest.NewFactory(), nopSink{}, monitor.WithLogger(log.New(io.Discard, "", 0)))
	r := &fakeRegistry{
		manager: m,
		statuses: []monitor.Status{
			{AccountID: 1, Login: "a@example.com", State: monitor.Monitoring},
			{AccountID: 2, Login: "b@example.com", State: monitor.Erroring, Attempts: 5, LastError: "auth failed"},
		},
		monitoring: []uint64{1},
	}
	t.Cleanup(func() {
		for _, h := range r.handles {
			m.Close(h)
		}
	})
	return r
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := New(newRegistry(t))
	rec := do(t, s, http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","registered":2,"monitoring":1}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	s := New(newRegistry(t))
	rec := do(t, s, http.MethodGet, "/status")

	require.Equal(t, http.StatusOK, rec.Code)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "monitoring", got[0]["state"])
	assert.Equal(t, "erroring", got[1]["state"])
	assert.Equal(t, "auth failed", got[1]["last_error"])
	assert.NotContains(t, got[0], "last_error")
}

func TestResubscribe(t *testing.T) {
	reg := newRegistry(t)
	s := New(reg)

	rec := do(t, s, http.MethodPost, "/accounts/7/resubscribe")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"account_id":7`)
	require.Len(t, reg.handles, 1)
	require.Eventually(t, func() bool {
		return reg.handles[0].State() == monitor.Monitoring
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/accounts/8/resubscribe").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/accounts/x/resubscribe").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/accounts/7/resubscribe").Code)
}

func TestMetrics(t *testing.T) {
	s := New(newRegistry(t))
	rec := do(t, s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "newsfunnel_unmonitored_accounts_total"))
}

func TestMessage(t *testing.T) {
	msgs := fakeMessages{
		1: {Model: model.Model{ID: 1}, Subject: "Weekly", ObjectStorageKey: "k1"},
		2: {Model: model.Model{ID: 2}, Subject: "Gone", ObjectStorageKey: "missing"},
		3: {Model: model.Model{ID: 3}, Subject: "Broken", ObjectStorageKey: "broken"},
	}
	s := New(newRegistry(t), WithMessages(msgs), WithArchive(fakeArchive{"k1": "Subject: Weekly\r\n\r\nhello"}))

	rec := do(t, s, http.MethodGet, "/messages/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Weekly", got["subject"])
	assert.Equal(t, "Subject: Weekly\r\n\r\nhello", got["raw"])

	rec = do(t, s, http.MethodGet, "/messages/2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"raw"`)

	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/messages/3").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/messages/4").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/messages/abc").Code)
}

func TestMessageRouteNeedsStore(t *testing.T) {
	s := New(newRegistry(t))
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/messages/1").Code)
}
