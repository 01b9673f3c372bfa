package httpapi

import (
	"errors"
	"net/http"

	"github.com/xiot/watch/internal/xiot/store"
)

// Handlers for /db, a subset of the Realtime Database REST API that devices
// already speak: records two levels deep, JSON bodies, null for absent data.

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	category, err := trimJSON(r.PathValue("file"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	q, ordered, err := queryFromURL(category, r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_query", err.Error())
		return
	}

	var recs []store.Record
	if ordered {
		recs, err = s.store.Query(r.Context(), q)
	} else {
		recs, err = s.store.List(r.Context(), category)
	}
	if err != nil {
		s.dataError(w, err)
		return
	}

	if len(recs) == 0 && !ordered {
		respond(w, r, http.StatusOK, nil)
		return
	}
	respond(w, r, http.StatusOK, recordsToObject(recs))
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	category, err := trimJSON(r.PathValue("file"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	body, err := readBody(w, r)
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_body", "body must be a non-empty object")
		return
	}

	key, err := s.store.Push(r.Context(), category, store.NormalizeFields(body))
	if err != nil {
		s.dataError(w, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]string{"name": key})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	category, key, ok := s.recordPath(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Get(r.Context(), category, key)
	if errors.Is(err, store.ErrNotFound) {
		respond(w, r, http.StatusOK, nil)
		return
	}
	if err != nil {
		s.dataError(w, err)
		return
	}
	respond(w, r, http.StatusOK, rec.Fields)
}

// handleSet replaces the record. A null or empty body deletes it.
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	category, key, ok := s.recordPath(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "body must be an object or null")
		return
	}

	fields := store.NormalizeFields(body)
	if len(fields) == 0 {
		err = s.store.Delete(r.Context(), category, key)
	} else {
		err = s.store.Set(r.Context(), category, key, fields)
	}
	if err != nil {
		s.dataError(w, err)
		return
	}
	if len(fields) == 0 {
		respond(w, r, http.StatusOK, nil)
		return
	}
	respond(w, r, http.StatusOK, fields)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	category, key, ok := s.recordPath(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_body", "body must be a non-empty object")
		return
	}

	// null values remove fields, so the body is passed through as is.
	if err := s.store.Merge(r.Context(), category, key, store.Fields(body)); err != nil {
		s.dataError(w, err)
		return
	}
	respond(w, r, http.StatusOK, body)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	category, key, ok := s.recordPath(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), category, key); err != nil {
		s.dataError(w, err)
		return
	}
	respond(w, r, http.StatusOK, nil)
}

func (s *Server) recordPath(w http.ResponseWriter, r *http.Request) (category, key string, ok bool) {
	category = r.PathValue("type")
	key, err := trimJSON(r.PathValue("file"))
	if err != nil || !validSegment(category) {
		writeError(w, http.StatusNotFound, "not_found", errBadPath.Error())
		return "", "", false
	}
	return category, key, true
}

func (s *Server) dataError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrInvalidField) {
		writeError(w, http.StatusBadRequest, "bad_query", err.Error())
		return
	}
	s.logger.Errorf("data error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}
