// Package controller serves the indexer admin API: health, watermarks,
// reader registration and the partition catalog.
package controller

import (
	"context"
	"net/http"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// PartitionLister is satisfied by *partition.Manager.
type PartitionLister interface {
	Partitions(ctx context.Context, e entities.Entity) ([]admin.Partition, error)
}

type Controller struct {
	Store      db.WatermarkStore
	Partitions PartitionLister
	Status     *pipeline.Registry
	Hub        *Hub
	Logger     *zap.Logger
	AdminToken string
	JWTSecret  []byte
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewController reads ADMIN_TOKEN and SESSION_SECRET from the environment.
func NewController(store db.WatermarkStore, partitions PartitionLister, status *pipeline.Registry, hub *Hub, logger *zap.Logger) *Controller {
	return &Controller{
		Store:      store,
		Partitions: partitions,
		Status:     status,
		Hub:        hub,
		Logger:     logger,
		AdminToken: utils.Env("ADMIN_TOKEN", ""),
		JWTSecret:  []byte(utils.Env("SESSION_SECRET", "")),
	}
}

// NewRouter returns a router with every admin route.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.HandleReady).Methods(http.MethodGet)
	if c.Metrics != nil {
		r.Handle("/metrics", c.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/watermarks", c.HandleWatermarks).Methods(http.MethodGet)
	r.HandleFunc("/api/watermarks/{pipeline}", c.HandleWatermark).Methods(http.MethodGet)
	r.HandleFunc("/api/partitions/{entity}", c.HandlePartitions).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", c.HandleWebSocket).Methods(http.MethodGet)

	r.Handle("/api/readers", c.RequireAdmin(http.HandlerFunc(c.HandleRegisterReader))).Methods(http.MethodPost)
	r.Handle("/api/readers/{pipeline}/{reader}", c.RequireAdmin(http.HandlerFunc(c.HandleUnregisterReader))).Methods(http.MethodDelete)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (c *Controller) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleReady fails while any pipeline is not running.
func (c *Controller) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if c.Status.Ready() {
		writeJSON(w, http.StatusOK, c.Status.All())
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, c.Status.All())
}
