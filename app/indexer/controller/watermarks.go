package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type WatermarkResponse struct {
	admin.Watermark
	State   pipeline.State `json:"state,omitempty"`
	Error   string         `json:"error,omitempty"`
	Readers []admin.Reader `json:"readers,omitempty"`
}

type RegisterReaderRequest struct {
	Pipeline string `json:"pipeline"`
	Reader   string `json:"reader"`
	ReaderLo int64  `json:"reader_lo"`
}

func (c *Controller) withStatus(wm admin.Watermark) WatermarkResponse {
	out := WatermarkResponse{Watermark: wm}
	if st, ok := c.Status.Get(wm.Pipeline); ok {
		out.State = st.State
		out.Error = st.Error
	}
	return out
}

func (c *Controller) HandleWatermarks(w http.ResponseWriter, r *http.Request) {
	wms, err := c.Store.ListWatermarks(r.Context())
	if err != nil {
		c.Logger.Error("list watermarks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list watermarks failed")
		return
	}
	out := make([]WatermarkResponse, 0, len(wms))
	for _, wm := range wms {
		out = append(out, c.withStatus(wm))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleWatermark returns one pipeline's watermark with its registered readers.
func (c *Controller) HandleWatermark(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pipeline"]
	if _, err := pipeline.ByName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wm, err := c.Store.GetWatermark(r.Context(), name)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline has not committed yet")
		return
	}
	if err != nil {
		c.Logger.Error("get watermark failed", zap.String("pipeline", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get watermark failed")
		return
	}
	readers, err := c.Store.ListReaders(r.Context(), name)
	if err != nil {
		c.Logger.Error("list readers failed", zap.String("pipeline", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list readers failed")
		return
	}
	out := c.withStatus(*wm)
	out.Readers = readers
	writeJSON(w, http.StatusOK, out)
}

func (c *Controller) HandlePartitions(w http.ResponseWriter, r *http.Request) {
	e, err := entities.FromString(mux.Vars(r)["entity"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if e.Spec().Scheme != entities.SchemeRange {
		writeError(w, http.StatusBadRequest, e.String()+" is not range partitioned")
		return
	}
	parts, err := c.Partitions.Partitions(r.Context(), e)
	if err != nil {
		c.Logger.Error("list partitions failed", zap.Stringer("entity", e), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list partitions failed")
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

// HandleRegisterReader declares a reader's low-water mark. The pruner never
// moves reader_lo past it.
func (c *Controller) HandleRegisterReader(w http.ResponseWriter, r *http.Request) {
	var req RegisterReaderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if _, err := pipeline.ByName(req.Pipeline); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := c.Store.RegisterReader(r.Context(), req.Pipeline, req.Reader, req.ReaderLo)
	switch {
	case errors.Is(err, db.ErrBelowReaderLo):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, db.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		c.Logger.Error("register reader failed", zap.String("pipeline", req.Pipeline), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "register reader failed")
		return
	}

	c.Logger.Info("Reader registered",
		zap.String("pipeline", req.Pipeline),
		zap.String("reader", req.Reader),
		zap.Int64("reader_lo", req.ReaderLo),
		zap.String("by", c.currentUser(r)),
	)
	writeJSON(w, http.StatusOK, req)
}

func (c *Controller) HandleUnregisterReader(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := c.Store.UnregisterReader(r.Context(), vars["pipeline"], vars["reader"]); err != nil {
		c.Logger.Error("unregister reader failed", zap.String("pipeline", vars["pipeline"]), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unregister reader failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
