package moisson

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/moisson/internal/store"
)

var errNoStore = errors.New("moisson: no database configured")

// RegisterHTTP mounts the scrape API onto r. Middleware (security headers,
// rate limiting, body caps) is the caller's concern; see shield.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/api/scrape", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		res, err := s.Run(r.Context(), req)
		s.auditLog(r.Context(), "scrape", req, err)
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Post("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		id, err := s.Enqueue(r.Context(), req)
		s.auditLog(r.Context(), "enqueue", req, err)
		if err != nil {
			if errors.Is(err, ErrQueueDisabled) {
				writeError(w, 503, err)
				return
			}
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, 202, map[string]string{"job_id": id, "status": "queued"})
	})

	r.Get("/api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if s.store != nil {
			run, err := s.store.GetRunByJob(r.Context(), id)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if run != nil {
				writeJSON(w, 200, run)
				return
			}
		}
		if s.queue != nil {
			job, err := s.queue.Job(r.Context(), id)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if job != nil {
				writeJSON(w, 200, map[string]any{
					"job_id": id, "status": "queued", "deliveries": job.Attempts,
				})
				return
			}
		}
		writeError(w, 404, errors.New("unknown job"))
	})

	r.Get("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, 503, errNoStore)
			return
		}
		runs, err := s.store.ListRuns(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if runs == nil {
			runs = []*store.Run{}
		}
		writeJSON(w, 200, runs)
	})

	r.Get("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, 503, errNoStore)
			return
		}
		id := chi.URLParam(r, "id")
		run, err := s.store.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if run == nil {
			writeError(w, 404, errors.New("unknown run"))
			return
		}
		attempts, err := s.store.ListAttempts(r.Context(), id)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if attempts == nil {
			attempts = []*store.Attempt{}
		}
		writeJSON(w, 200, map[string]any{"run": run, "attempts": attempts})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, 503, errNoStore)
			return
		}
		stats, err := s.store.RunStats(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, stats)
	})

	r.Route("/api/rulesets", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			if s.store == nil {
				writeError(w, 503, errNoStore)
				return
			}
			rows, err := s.store.ListRulesets(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			out := make([]*Ruleset, 0, len(rows))
			for _, row := range rows {
				rs, err := rulesetFromRow(row)
				if err != nil {
					writeError(w, 500, err)
					return
				}
				out = append(out, rs)
			}
			writeJSON(w, 200, out)
		})
		r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
			if s.store == nil {
				writeError(w, 503, errNoStore)
				return
			}
			name := chi.URLParam(r, "name")
			row, err := s.store.GetRuleset(r.Context(), name)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if row == nil {
				writeError(w, 404, errors.New("unknown ruleset"))
				return
			}
			rs, err := rulesetFromRow(row)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, rs)
		})
		r.Put("/{name}", func(w http.ResponseWriter, r *http.Request) {
			if s.store == nil {
				writeError(w, 503, errNoStore)
				return
			}
			name := chi.URLParam(r, "name")
			var req struct {
				Container string      `json:"container"`
				Fields    []FieldRule `json:"fields"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			rs := &Ruleset{Name: name, Container: req.Container, Fields: req.Fields}
			if err := rs.Validate(); err != nil {
				writeError(w, 400, err)
				return
			}
			row, err := rowFromRuleset(rs)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			err = s.store.UpsertRuleset(r.Context(), row)
			s.auditLog(r.Context(), "ruleset_save", map[string]string{"name": name}, err)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"name": name, "status": "saved"})
		})
		r.Delete("/{name}", func(w http.ResponseWriter, r *http.Request) {
			if s.store == nil {
				writeError(w, 503, errNoStore)
				return
			}
			name := chi.URLParam(r, "name")
			err := s.store.DeleteRuleset(r.Context(), name)
			s.auditLog(r.Context(), "ruleset_delete", map[string]string{"name": name}, err)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
	})
}

// writeRunError serializes a failed run. RunError bodies keep the full
// shape (kind, state, attempts); anything else degrades to {"error": ...}.
func writeRunError(w http.ResponseWriter, err error) {
	var re *RunError
	if errors.As(err, &re) {
		writeJSON(w, statusForError(err), re)
		return
	}
	writeError(w, statusForError(err), err)
}

// statusForError maps run failures to HTTP codes. Exhausted retries read
// as an upstream timeout: the target never produced a ready page.
func statusForError(err error) int {
	if errors.Is(err, ErrRulesetNotFound) {
		return 404
	}
	var re *RunError
	if errors.As(err, &re) {
		switch re.Kind {
		case KindValidation:
			return 400
		case KindLaunch, KindNavigation:
			return 502
		case KindTimeout:
			return 504
		}
		if re.State == store.RunExhausted {
			return 504
		}
		return 500
	}
	if errors.Is(err, ErrInvalidRequest) {
		return 400
	}
	return 500
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
