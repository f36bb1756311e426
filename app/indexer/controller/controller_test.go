package controller

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/memory"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/metrics"
	"github.com/canopy-network/ledgerx/pkg/partition"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testToken = "test-admin-token"

func newTestController(t *testing.T) (*Controller, *memory.Store) {
	t.Helper()
	store := memory.New(nil)
	scheme, err := partition.NewScheme(nil)
	require.NoError(t, err)
	manager := partition.NewManager(store, scheme, zaptest.NewLogger(t), partition.ManagerConfig{})
	t.Cleanup(manager.Close)

	c := &Controller{
		Store:      store,
		Partitions: manager,
		Status:     pipeline.NewRegistry(),
		Logger:     zaptest.NewLogger(t),
		AdminToken: testToken,
		JWTSecret:  []byte("secret"),
	}
	return c, store
}

func commit(t *testing.T, store *memory.Store, name string, hi int64) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), db.CommitRequest{
		Pipeline: name,
		Marks:    admin.HighMarks{CheckpointHiInclusive: hi, TxHi: -1},
	}))
}

func do(c *Controller, method, path string, body []byte, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	c.NewRouter().ServeHTTP(rec, req)
	return rec
}

func signed(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func TestReadyFollowsPipelineStatus(t *testing.T) {
	c, _ := newTestController(t)

	require.Equal(t, http.StatusOK, do(c, http.MethodGet, "/healthz", nil, "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(c, http.MethodGet, "/readyz", nil, "").Code)

	c.Status.Set(pipeline.Checkpoints, pipeline.StateRunning)
	require.Equal(t, http.StatusOK, do(c, http.MethodGet, "/readyz", nil, "").Code)

	c.Status.Set(pipeline.Events, pipeline.StateFailed)
	require.Equal(t, http.StatusServiceUnavailable, do(c, http.MethodGet, "/readyz", nil, "").Code)
}

func TestMetricsRouteWhenConfigured(t *testing.T) {
	c, _ := newTestController(t)
	require.Equal(t, http.StatusNotFound, do(c, http.MethodGet, "/metrics", nil, "").Code)

	m := metrics.New()
	m.ObserveCommit(pipeline.Events, 3, 9, 2, time.Millisecond)
	c.Metrics = m.Handler()
	rec := do(c, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `ledgerx_committed_rows_total{pipeline="events"} 9`)
}

func TestWatermarkEndpoints(t *testing.T) {
	c, store := newTestController(t)
	commit(t, store, pipeline.Checkpoints, 9)
	c.Status.Committed(pipeline.Checkpoints, admin.HighMarks{CheckpointHiInclusive: 9}, time.Now())

	rec := do(c, http.MethodGet, "/api/watermarks", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []WatermarkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, int64(9), list[0].CheckpointHiInclusive)
	require.Equal(t, pipeline.StateRunning, list[0].State)

	require.Equal(t, http.StatusNotFound, do(c, http.MethodGet, "/api/watermarks/events", nil, "").Code)
	require.Equal(t, http.StatusBadRequest, do(c, http.MethodGet, "/api/watermarks/nope", nil, "").Code)

	require.NoError(t, store.RegisterReader(context.Background(), pipeline.Checkpoints, "rpc", 0))
	rec = do(c, http.MethodGet, "/api/watermarks/checkpoints", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one WatermarkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	require.Len(t, one.Readers, 1)
	require.Equal(t, "rpc", one.Readers[0].Reader)
}

func TestRegisterReaderAuth(t *testing.T) {
	c, store := newTestController(t)
	commit(t, store, pipeline.Checkpoints, 50)
	_, err := store.SetReaderWatermark(context.Background(), pipeline.Checkpoints, 30, 0, 1)
	require.NoError(t, err)

	body := func(lo int64) []byte {
		b, err := json.Marshal(RegisterReaderRequest{Pipeline: pipeline.Checkpoints, Reader: "rpc", ReaderLo: lo})
		require.NoError(t, err)
		return b
	}

	require.Equal(t, http.StatusUnauthorized, do(c, http.MethodPost, "/api/readers", body(40), "").Code)
	require.Equal(t, http.StatusUnauthorized, do(c, http.MethodPost, "/api/readers", body(40), "wrong").Code)

	viewer := signed(t, c.JWTSecret, jwt.MapClaims{"sub": "alice", "role": "viewer"})
	require.Equal(t, http.StatusForbidden, do(c, http.MethodPost, "/api/readers", body(40), viewer).Code)

	forged := signed(t, []byte("other"), jwt.MapClaims{"sub": "alice", "role": "admin"})
	require.Equal(t, http.StatusUnauthorized, do(c, http.MethodPost, "/api/readers", body(40), forged).Code)

	require.Equal(t, http.StatusConflict, do(c, http.MethodPost, "/api/readers", body(10), testToken).Code)
	require.Equal(t, http.StatusBadRequest, do(c, http.MethodPost, "/api/readers", []byte("{"), testToken).Code)

	adminTok := signed(t, c.JWTSecret, jwt.MapClaims{"sub": "alice", "role": "admin"})
	require.Equal(t, http.StatusOK, do(c, http.MethodPost, "/api/readers", body(40), adminTok).Code)

	readers, err := store.ListReaders(context.Background(), pipeline.Checkpoints)
	require.NoError(t, err)
	require.Len(t, readers, 1)
	require.Equal(t, int64(40), readers[0].ReaderLo)

	require.Equal(t, http.StatusNoContent, do(c, http.MethodDelete, "/api/readers/checkpoints/rpc", nil, testToken).Code)
	readers, err = store.ListReaders(context.Background(), pipeline.Checkpoints)
	require.NoError(t, err)
	require.Empty(t, readers)
}

func TestPartitionsEndpoint(t *testing.T) {
	c, store := newTestController(t)
	require.NoError(t, store.CreatePartition(context.Background(), admin.Partition{
		Entity: string(entities.Checkpoints), Index: 0, Lo: 0, Hi: 100,
	}))

	rec := do(c, http.MethodGet, "/api/partitions/checkpoints", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var parts []admin.Partition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parts))
	require.Len(t, parts, 1)
	require.Equal(t, admin.PartitionAttached, parts[0].State)

	require.Equal(t, http.StatusBadRequest, do(c, http.MethodGet, "/api/partitions/objects", nil, "").Code)
	require.Equal(t, http.StatusBadRequest, do(c, http.MethodGet, "/api/partitions/nope", nil, "").Code)
}
