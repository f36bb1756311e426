package controller

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, c *Controller) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(c.NewRouter())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestWebSocketStreamsSubscribedPipelines(t *testing.T) {
	c, _ := newTestController(t)
	c.Hub = NewHub()
	conn := dial(t, c)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Pipeline: pipeline.Events}))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "subscribed", msg.Type)
	require.Equal(t, 1, c.Hub.Clients())

	ctx := context.Background()
	require.NoError(t, c.Hub.PublishWatermark(ctx, types.WatermarkAdvanced{Pipeline: pipeline.Checkpoints, Last: 1}))
	require.NoError(t, c.Hub.PublishWatermark(ctx, types.WatermarkAdvanced{
		Event:     types.WatermarkAdvancedEvent,
		Pipeline:  pipeline.Events,
		First:     0,
		Last:      7,
		HighMarks: admin.HighMarks{CheckpointHiInclusive: 7},
	}))

	var ev struct {
		Type    string                  `json:"type"`
		Payload types.WatermarkAdvanced `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, types.WatermarkAdvancedEvent, ev.Type)
	require.Equal(t, pipeline.Events, ev.Payload.Pipeline)
	require.Equal(t, int64(7), ev.Payload.Last)
	require.Equal(t, int64(7), ev.Payload.HighMarks.CheckpointHiInclusive)
}

func TestWebSocketRejectsUnknownPipeline(t *testing.T) {
	c, _ := newTestController(t)
	c.Hub = NewHub()
	conn := dial(t, c)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Pipeline: "nope"}))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "jump", Pipeline: "*"}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)
}

func TestWebSocketWithoutHub(t *testing.T) {
	c, _ := newTestController(t)
	rec := do(c, "GET", "/api/ws", nil, "")
	require.Equal(t, 503, rec.Code)
}
