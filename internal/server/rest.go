package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/kgserve/internal/models"
	"github.com/kilupskalvis/kgserve/internal/query"
)

// restAPI serves the /api/v1 query routes from the query façade.
type restAPI struct {
	q      *query.Service
	logger *slog.Logger
}

func (a *restAPI) getEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusNotFound, "not_found", "entity id is required")
		return
	}
	e, err := a.q.Entity(r.Context(), id)
	if err != nil {
		a.readError(w, r, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("entity %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *restAPI) listEntities(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := models.EntityFilter{
		EntityType:   q.Get("entity_type"),
		Name:         q.Get("name"),
		NameContains: q.Get("name_contains"),
		Source:       q.Get("source"),
		Status:       q.Get("status"),
	}
	page, err := a.q.Entities(r.Context(), filter, limit, offset)
	if err != nil {
		a.readError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *restAPI) getRelationship(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t := models.Triple{
		SubjectID: q.Get("subject_id"),
		Predicate: q.Get("predicate"),
		ObjectID:  q.Get("object_id"),
	}
	if t.SubjectID == "" || t.Predicate == "" || t.ObjectID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "subject_id, predicate and object_id are required")
		return
	}
	rel, err := a.q.Relationship(r.Context(), t)
	if err != nil {
		a.readError(w, r, err)
		return
	}
	if rel == nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("relationship %s not found", t))
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (a *restAPI) listRelationships(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := models.RelationshipFilter{
		SubjectID: q.Get("subject_id"),
		Predicate: q.Get("predicate"),
		ObjectID:  q.Get("object_id"),
	}
	page, err := a.q.Relationships(r.Context(), filter, limit, offset)
	if err != nil {
		a.readError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *restAPI) getBundle(w http.ResponseWriter, r *http.Request) {
	rec, err := a.q.Bundle(r.Context())
	if err != nil {
		a.readError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "no bundle is active")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *restAPI) readError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := errorStatus(err)
	a.logger.Error("query failed", "path", r.URL.Path, "error", err, "request_id", RequestID(r.Context()))
	writeError(w, code, kind, err.Error())
}

// pageParams parses limit and offset. Absent values are 0 and left to the
// façade's clamping; malformed values are a 400.
func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("%s must be an integer", p.name))
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}
