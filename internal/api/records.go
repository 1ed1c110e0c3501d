package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
	maxRecordBody      = 1 << 20
)

// listRecords handles GET /v1/records?number=&limit=&offset=. number filters
// by VIN or plate as a user would type it.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var records []vehicle.Record
	if number := strings.TrimSpace(r.URL.Query().Get("number")); number != "" {
		rec, err := s.deps.Records.FindByNumber(number)
		switch {
		case errors.Is(err, vehicle.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid number")
			return
		case errors.Is(err, vehicle.ErrNotFound):
		case err != nil:
			s.logger.Error("find record failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to find record")
			return
		default:
			records = append(records, rec)
		}
	} else {
		records = s.deps.Records.Records()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": page(records, limit, offset),
		"total":   len(records),
	})
}

// getRecord handles GET /v1/records/{record_id}.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Records.Record(chi.URLParam(r, "record_id"))
	if err != nil {
		s.recordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

// upsertRecord handles POST /v1/records: 201 when a record is created, 200
// when the body matched an existing record by ID or identity.
func (s *Server) upsertRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	s.saveRecord(w, r, rec)
}

// replaceRecord handles PUT /v1/records/{record_id}.
func (s *Server) replaceRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	rec.ID = chi.URLParam(r, "record_id")
	s.saveRecord(w, r, rec)
}

func (s *Server) saveRecord(w http.ResponseWriter, r *http.Request, rec vehicle.Record) {
	stored, created, err := s.deps.Records.Upsert(rec)
	if err != nil {
		s.recordError(w, err)
		return
	}
	s.persist(r.Context())
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"record": stored})
}

// deleteRecord handles DELETE /v1/records/{record_id}.
func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Records.Delete(chi.URLParam(r, "record_id")); err != nil {
		s.recordError(w, err)
		return
	}
	s.persist(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vehicle.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, vehicle.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("record operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "record operation failed")
	}
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (vehicle.Record, bool) {
	var rec vehicle.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return vehicle.Record{}, false
	}
	return rec, true
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
