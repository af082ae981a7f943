package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linkguard/linkguard/internal/store"
)

func (a *App) searchVerdicts(w http.ResponseWriter, r *http.Request) {
	q, err := parseVerdictQuery(r)
	if err != nil {
		a.metrics.IncRequestError("input")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	recs, err := a.verdicts.QueryVerdicts(r.Context(), q)
	if err != nil {
		a.logger.Error("query verdicts", "request_id", RequestIDFrom(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query failed"})
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func parseVerdictQuery(r *http.Request) (store.Query, error) {
	v := r.URL.Query()
	var q store.Query
	switch kind := v.Get("kind"); kind {
	case "", store.KindPredict, store.KindDownload:
		q.Kind = kind
	default:
		return q, fmt.Errorf("kind: unknown value %q", kind)
	}
	q.HostLike = v.Get("host_like")
	q.Label = v.Get("label")
	q.Limit, _ = strconv.Atoi(v.Get("limit"))
	q.Offset, _ = strconv.Atoi(v.Get("offset"))
	q.Asc = v.Get("order") == "asc"

	if since := v.Get("since"); since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// parseTimeOrAgo accepts RFC 3339 or a duration meaning "that long ago".
func parseTimeOrAgo(s string) (time.Time, error) {
	if !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
