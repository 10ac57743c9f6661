package main

import (
	"context"
	"net/http"

	"chatrelay/internal/httputil"
	"chatrelay/internal/service"
)

func (s *Server) handleDailyStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day, err := s.deps.Analytics.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			s.writeError(w, r, err, "Invalid stats date")
			return
		}
		stats, err := s.deps.Analytics.Daily(r.Context(), day)
		if err != nil {
			s.writeError(w, r, err, "Failed to load daily stats")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
	}
}

func (s *Server) handleWeeklyStats() http.HandlerFunc {
	return s.periodStats("weekly_stats", s.deps.Analytics.Weekly)
}

func (s *Server) handleMonthlyStats() http.HandlerFunc {
	return s.periodStats("monthly_stats", s.deps.Analytics.Monthly)
}

func (s *Server) periodStats(key string, load func(ctx context.Context) (service.PeriodStats, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := load(r.Context())
		if err != nil {
			s.writeError(w, r, err, "Failed to load stats")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			key:       stats.Days,
			"totals":  stats.Totals,
		})
	}
}
