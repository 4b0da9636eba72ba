package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/state"
)

// StatusResponse summarizes the current (or last interrupted) run.
type StatusResponse struct {
	Active     bool      `json:"active"`
	RunID      string    `json:"run_id,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Total      int       `json:"total"`
	Queued     int       `json:"queued"`
	InProgress int       `json:"in_progress"`
	Merged     int       `json:"merged"`
	Failed     int       `json:"failed"`
	Deferred   int       `json:"deferred"`
}

// IssueResponse is one issue's position in the run.
type IssueResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Elapsed string `json:"elapsed,omitempty"`
}

// RunResponse is one row of run history.
type RunResponse struct {
	ID         string     `json:"id"`
	IssueCount int        `json:"issue_count"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) loadSnapshot() (*state.Snapshot, error) {
	if !s.states.Exists() {
		return nil, nil
	}
	return s.states.Load()
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		snap, err := s.loadSnapshot()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if snap == nil {
			writeJSON(w, StatusResponse{})
			return
		}

		resp := StatusResponse{
			Active:     true,
			RunID:      snap.RunID,
			StartedAt:  snap.StartedAt,
			Queued:     len(snap.Queue),
			InProgress: len(snap.InProgress),
		}
		for _, o := range snap.Outcomes {
			switch o.Status {
			case domain.StatusMerged:
				resp.Merged++
			case domain.StatusFailed:
				resp.Failed++
			case domain.StatusDeferred:
				resp.Deferred++
			}
		}
		resp.Total = resp.Queued + resp.InProgress + len(snap.Outcomes)
		writeJSON(w, resp)
	}
}

func (s *Server) listIssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		snap, err := s.loadSnapshot()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if snap == nil {
			writeJSON(w, []IssueResponse{})
			return
		}

		resp := make([]IssueResponse, 0, len(snap.Queue)+len(snap.InProgress)+len(snap.Outcomes))
		for _, id := range snap.Queue {
			resp = append(resp, IssueResponse{ID: id, Status: string(domain.StatusQueued)})
		}
		for _, id := range snap.InProgress {
			resp = append(resp, IssueResponse{ID: id, Status: string(domain.StatusInProgress)})
		}
		var done []IssueResponse
		for _, o := range snap.Outcomes {
			done = append(done, IssueResponse{
				ID:      o.IssueID,
				Status:  string(o.Status),
				Kind:    string(o.Kind),
				Reason:  o.Reason,
				Elapsed: o.Elapsed.Round(time.Second).String(),
			})
		}
		sort.Slice(done, func(i, j int) bool { return done[i].ID < done[j].ID })
		resp = append(resp, done...)
		writeJSON(w, resp)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeJSON(w, []RunResponse{})
			return
		}

		runs, err := s.history.ListRuns(50)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, RunResponse{
				ID:         run.ID,
				IssueCount: run.IssueCount,
				ExitCode:   run.ExitCode,
				StartedAt:  run.StartedAt,
				FinishedAt: run.FinishedAt,
			})
		}
		writeJSON(w, resp)
	}
}
