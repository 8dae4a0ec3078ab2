package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Statuses reads back this instance's entries from the registry. Loops with
// no live entry are skipped.
func (r *Reporter) Statuses(ctx context.Context) ([]Status, error) {
	statuses := make([]Status, 0, len(r.loops))
	for _, l := range r.loops {
		s, err := r.registry.Fetch(ctx, r.EntryID(l.Snapshot().WorkerID))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// Handler serves Statuses as a JSON array.
func (r *Reporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		statuses, err := r.Statuses(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to read heartbeat entries.")
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to write heartbeat entries.")
		}
	})
}
