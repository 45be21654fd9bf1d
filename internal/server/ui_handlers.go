package server

import (
	"log/slog"
	"net/http"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/ui"
)

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	runs := s.runs.ListRuns()
	runItems := make([]ui.RunItem, len(runs))
	for i, run := range runs {
		runItems[i] = ui.RunItem{
			ID:          run.ID,
			RoutineName: run.RoutineName,
			State:       string(run.State),
			Trigger:     run.Trigger,
			Rows:        run.Rows,
			Info:        run.Info,
			Error:       run.Error,
			StartTime:   run.StartTime,
			EndTime:     run.EndTime,
		}
	}

	var archived []ui.ArchivedItem
	if s.archive != nil {
		infos, err := s.archive.List(r.Context(), archive.ListOpts{Limit: 50})
		if err != nil {
			slog.Warn("Failed to list archive", "error", err)
		}
		for _, info := range infos {
			archived = append(archived, ui.ArchivedItem{
				ID:          info.ID,
				RoutineName: info.RoutineName,
				Filename:    info.Filename,
				Rows:        info.Rows,
				StartedAt:   info.StartedAt,
			})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.Index(runItems, archived).Render(r.Context(), w); err != nil {
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
}
