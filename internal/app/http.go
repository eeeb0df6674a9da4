package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio/wav"
	"github.com/MrWong99/earshot/pkg/segment"
)

// maxListLimit caps /v1/segments results.
const maxListLimit = 1000

// segmentJSON is the metadata of a stored segment.
type segmentJSON struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Channel    string    `json:"channel"`
	Seq        int       `json:"seq"`
	Start      int64     `json:"start"`
	End        int64     `json:"end"`
	SampleRate int       `json:"sample_rate"`
	DurationMs int64     `json:"duration_ms"`
	Confidence float64   `json:"confidence"`
	Keyword    string    `json:"keyword,omitempty"`
	State      string    `json:"state"`
	Reason     string    `json:"reason"`
	Encoding   string    `json:"encoding"`
	DetectedAt time.Time `json:"detected_at"`
}

func toJSON(r segment.Record) segmentJSON {
	return segmentJSON{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Channel:    r.Channel,
		Seq:        r.Seq,
		Start:      r.Start,
		End:        r.End,
		SampleRate: r.SampleRate,
		DurationMs: r.Duration().Milliseconds(),
		Confidence: r.Confidence,
		Keyword:    r.Keyword,
		State:      r.State,
		Reason:     r.Reason,
		Encoding:   string(r.Encoding),
		DetectedAt: r.DetectedAt,
	}
}

// Register adds the query routes to mux:
//
//	GET /v1/channels              live channels
//	GET /v1/segments              stored segments (channel, session, keyword, after, before, limit)
//	GET /v1/segments/{id}         one segment's metadata
//	GET /v1/segments/{id}/audio   PCM segments as WAV, Opus segments as a length-prefixed stream
func (a *App) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/channels", a.handleChannels)
	mux.HandleFunc("GET /v1/segments", a.handleListSegments)
	mux.HandleFunc("GET /v1/segments/{id}", a.handleGetSegment)
	mux.HandleFunc("GET /v1/segments/{id}/audio", a.handleSegmentAudio)
}

func (a *App) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.channels.Active())
}

func (a *App) handleListSegments(w http.ResponseWriter, r *http.Request) {
	store := a.Store()
	if store == nil {
		http.Error(w, "segment storage is disabled", http.StatusNotFound)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := store.List(r.Context(), q)
	if err != nil {
		a.metrics.RecordError(r.Context(), "list", err)
		http.Error(w, "list segments failed", http.StatusInternalServerError)
		return
	}
	out := make([]segmentJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func parseQuery(r *http.Request) (segment.Query, error) {
	v := r.URL.Query()
	q := segment.Query{
		Channel: v.Get("channel"),
		Keyword: v.Get("keyword"),
		Limit:   100,
	}
	if s := v.Get("session"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return q, errors.New("session: not a UUID")
		}
		q.SessionID = id
	}
	for key, dst := range map[string]*time.Time{"after": &q.After, "before": &q.Before} {
		if s := v.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, errors.New(key + ": not an RFC 3339 time")
			}
			*dst = t
		}
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			return q, errors.New("limit: must be between 1 and 1000")
		}
		q.Limit = n
	}
	return q, nil
}

// record resolves the {id} path value. It writes the error response and
// returns false on failure.
func (a *App) record(w http.ResponseWriter, r *http.Request) (segment.Record, bool) {
	store := a.Store()
	if store == nil {
		http.Error(w, "segment storage is disabled", http.StatusNotFound)
		return segment.Record{}, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "id: not a UUID", http.StatusBadRequest)
		return segment.Record{}, false
	}
	rec, err := store.Get(r.Context(), id)
	switch {
	case errors.Is(err, segment.ErrNotFound):
		http.Error(w, "segment not found", http.StatusNotFound)
		return segment.Record{}, false
	case err != nil:
		a.metrics.RecordError(r.Context(), "get", err)
		http.Error(w, "get segment failed", http.StatusInternalServerError)
		return segment.Record{}, false
	}
	return rec, true
}

func (a *App) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	if rec, ok := a.record(w, r); ok {
		writeJSON(w, http.StatusOK, toJSON(rec))
	}
}

func (a *App) handleSegmentAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.record(w, r)
	if !ok {
		return
	}
	if rec.Encoding == segment.Opus {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Sample-Rate", strconv.Itoa(rec.SampleRate))
		_, _ = w.Write(rec.Audio)
		return
	}
	samples, err := rec.Samples()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(wav.Encode(samples, rec.SampleRate))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
