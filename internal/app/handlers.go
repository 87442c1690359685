package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"beaconmap/telemetry-server/internal/ingest"
	"beaconmap/telemetry-server/internal/model"
	"beaconmap/telemetry-server/internal/store"
)

const (
	maxIngestBody        = 10 << 20
	readTimeout          = 2 * time.Second
	defaultErrorsLimit   = 50
	maxErrorsLimit       = 500
	errPayloadTooLarge   = "payload too large"
	errBeaconNotFound    = "Beacon not found"
	errTypeNotFound      = "Type not found"
	errInvalidIdentifier = "invalid id"
)

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.ingest == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, model.ErrorResponse{Status: "error", Message: errPayloadTooLarge})
			return
		}
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Status: "error", Message: ingest.ErrInvalidBatch.Error()})
		return
	}

	resp, err := a.ingest.Ingest(r.Context(), "http", body)
	switch {
	case errors.Is(err, ingest.ErrInvalidBatch):
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Status: "error", Message: err.Error()})
		return
	case err != nil:
		a.logger.Error("ingestion failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Status: "error", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (a *App) handleListBeacons(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	beacons, err := a.store.ListBeacons(ctx)
	if err != nil {
		a.logger.Error("failed to load beacons", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, beacons)
}

func (a *App) handleGetBeacon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	detail, err := a.store.BeaconDetail(ctx, id)
	if err != nil {
		a.storeError(w, err, errBeaconNotFound)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *App) handleGetBeaconSerial(w http.ResponseWriter, r *http.Request) {
	a.serveBeaconField(w, r, "serial", func(b model.Beacon) any { return b.Serial })
}

func (a *App) handleGetBeaconName(w http.ResponseWriter, r *http.Request) {
	a.serveBeaconField(w, r, "name", func(b model.Beacon) any { return b.Name })
}

func (a *App) handleGetBeaconDescription(w http.ResponseWriter, r *http.Request) {
	a.serveBeaconField(w, r, "description", func(b model.Beacon) any { return b.Description })
}

func (a *App) serveBeaconField(w http.ResponseWriter, r *http.Request, field string, get func(model.Beacon) any) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	b, err := a.store.Beacon(ctx, id)
	if err != nil {
		a.storeError(w, err, errBeaconNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{field: get(b)})
}

func (a *App) handleGetLastUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if _, err := a.store.Beacon(ctx, id); err != nil {
		a.storeError(w, err, errBeaconNotFound)
		return
	}

	last, err := a.store.LastUpdate(ctx, id)
	if err != nil {
		a.storeError(w, err, errBeaconNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*string{"last_update": last})
}

func (a *App) handleUpdateBeaconName(w http.ResponseWriter, r *http.Request) {
	a.updateBeaconField(w, r, "name", a.store.UpdateBeaconName, "Name updated")
}

func (a *App) handleUpdateBeaconDescription(w http.ResponseWriter, r *http.Request) {
	a.updateBeaconField(w, r, "description", a.store.UpdateBeaconDescription, "Description updated")
}

func (a *App) updateBeaconField(w http.ResponseWriter, r *http.Request, field string, update func(context.Context, int64, string) error, done string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body map[string]*string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	value := body[field]
	if value == nil {
		writeError(w, http.StatusBadRequest, "missing field "+field)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if err := update(ctx, id, *value); err != nil {
		a.storeError(w, err, errBeaconNotFound)
		return
	}
	writeJSON(w, http.StatusOK, done)
}

func (a *App) handleListTypes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	types, err := a.store.ListTypes(ctx)
	if err != nil {
		a.logger.Error("failed to load types", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (a *App) handleGetType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	t, err := a.store.Type(ctx, id)
	if err != nil {
		a.storeError(w, err, errTypeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleSeries lists the readings of a beacon for one type, given by id or name.
func (a *App) handleSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	var typeID *int64
	if a.store.Schema().HasType() {
		ref := chi.URLParam(r, "type")
		if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
			typeID = &n
		} else {
			n, err := a.store.TypeIDByName(ctx, ref)
			if err != nil {
				a.storeError(w, err, errTypeNotFound)
				return
			}
			typeID = &n
		}
	}

	points, err := a.store.Series(ctx, id, typeID)
	if err != nil {
		a.logger.Error("failed to load series", "beacon", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	limit := defaultErrorsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(parsed, maxErrorsLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	records, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *App) storeError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	a.logger.Error("store query failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errInvalidIdentifier)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
