package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultJobLimit = 50
	maxJobLimit     = 1000
	maxBodyBytes    = 1 << 20

	msgInvalidScrape = "Invalid input. Expecting array of URLs."
	msgQueryFailed   = "Database query failed"
	msgQueueFailed   = "Failed to queue URLs."
)

type scrapeRequest struct {
	URLs json.RawMessage `json:"urls"`
}

type scrapeResponse struct {
	Message string   `json:"message"`
	JobIDs  []string `json:"job_ids"`
}

// submitFailure reports a submission that stopped partway. JobIDs lists the
// URLs queued before the failure; those jobs still run.
type submitFailure struct {
	Error  string   `json:"error"`
	JobIDs []string `json:"job_ids,omitempty"`
}

type mediaResponse struct {
	Total int64                 `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
	Data  []scraper.MediaRecord `json:"data"`
}

type jobsResponse struct {
	Jobs []scraper.JobReport `json:"jobs"`
}

// submitScrape handles POST /api/scrape {"urls": [...]}. It returns 202 as
// soon as every URL is queued, and 503 with the IDs queued so far otherwise.
func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	urls, err := decodeURLs(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidScrape)
		return
	}
	ids, err := s.submitter.SubmitAll(r.Context(), urls)
	if err != nil {
		s.logger.Error("queue submission failed", zap.Int("queued", len(ids)), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, submitFailure{Error: msgQueueFailed, JobIDs: ids})
		return
	}
	writeJSON(w, http.StatusAccepted, scrapeResponse{
		Message: fmt.Sprintf("Queued %d URLs for processing.", len(ids)),
		JobIDs:  ids,
	})
}

func decodeURLs(body io.Reader) ([]string, error) {
	var req scrapeRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if len(req.URLs) == 0 || string(req.URLs) == "null" {
		return nil, errors.New("urls missing")
	}
	var urls []string
	if err := json.Unmarshal(req.URLs, &urls); err != nil {
		return nil, fmt.Errorf("urls must be an array of strings: %w", err)
	}
	if len(urls) == 0 {
		return nil, errors.New("urls empty")
	}
	for i, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, fmt.Errorf("url %d is blank", i)
		}
		urls[i] = u
	}
	return urls, nil
}

// listMedia handles GET /api/media?page=&limit=&type=&search=.
func (s *Server) listMedia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := scraper.MediaQuery{
		Page:     positiveInt(q.Get("page"), 1, 0),
		PageSize: positiveInt(q.Get("limit"), defaultPageSize, maxPageSize),
		Kind:     scraper.MediaKind(strings.ToLower(strings.TrimSpace(q.Get("type")))),
		Search:   q.Get("search"),
	}
	if query.Kind != "" && !query.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "type must be image or video")
		return
	}

	page, err := s.media.ListMedia(r.Context(), query)
	if err != nil {
		s.logger.Error("media query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgQueryFailed)
		return
	}
	data := page.Records
	if data == nil {
		data = []scraper.MediaRecord{}
	}
	writeJSON(w, http.StatusOK, mediaResponse{
		Total: page.Total,
		Page:  query.Page,
		Limit: query.PageSize,
		Data:  data,
	})
}

// listJobs handles GET /api/jobs?limit=, newest first.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job ledger unavailable")
		return
	}
	limit := positiveInt(r.URL.Query().Get("limit"), defaultJobLimit, maxJobLimit)
	jobs, err := s.jobs.ListJobs(r.Context(), limit)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []scraper.JobReport{}
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

// getJob handles GET /api/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job ledger unavailable")
		return
	}
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, scraper.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// positiveInt parses raw, falling back to def when it is missing, invalid or
// below one. A positive ceiling clamps the result.
func positiveInt(raw string, def, ceiling int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		n = def
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
