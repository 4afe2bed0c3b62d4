package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brojonat/solexport/service/config"
	"github.com/brojonat/solexport/service/db"
	"github.com/brojonat/solexport/service/export"
	"github.com/brojonat/solexport/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for an export request
	defaultListLimit   = 50
	maxListLimit       = 500
)

// exportRequest is the body of POST /api/v1/exports.
type exportRequest struct {
	Wallet    string   `json:"wallet"`
	StartDate string   `json:"start_date"` // "2006-01-02" or RFC 3339
	EndDate   string   `json:"end_date"`
	MinUSD    float64  `json:"min_usd"`
	MaxUSD    *float64 `json:"max_usd,omitempty"`
	Types     []string `json:"types,omitempty"`
	TokenMint string   `json:"token_mint,omitempty"`
	Async     bool     `json:"async,omitempty"`
}

// jobResponse is the JSON shape of an export job.
type jobResponse struct {
	ID          string    `json:"id"`
	Wallet      string    `json:"wallet"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Status      string    `json:"status"`
	Pages       int       `json:"pages"`
	RawRecords  int       `json:"raw_records"`
	Rows        int       `json:"rows"`
	Capped      bool      `json:"capped"`
	Truncated   bool      `json:"truncated"`
	ErrorKind   *string   `json:"error_kind,omitempty"`
	HasArtifact bool      `json:"has_artifact"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func jobToResponse(job *db.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Wallet:      job.Wallet,
		WindowStart: job.WindowStart,
		WindowEnd:   job.WindowEnd,
		Status:      job.Status,
		Pages:       job.Pages,
		RawRecords:  job.RawRecords,
		Rows:        job.Rows,
		Capped:      job.Capped,
		Truncated:   job.Truncated,
		ErrorKind:   job.ErrorKind,
		HasArtifact: job.ArtifactPath != nil,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

// criteria converts the request body into pipeline criteria. Date-only
// values cover whole days: the end date is inclusive through 23:59:59.
func (req *exportRequest) criteria() (export.FilterCriteria, error) {
	start, _, err := parseDate(req.StartDate)
	if err != nil {
		return export.FilterCriteria{}, fmt.Errorf("invalid start_date: %w", err)
	}
	end, dateOnly, err := parseDate(req.EndDate)
	if err != nil {
		return export.FilterCriteria{}, fmt.Errorf("invalid end_date: %w", err)
	}
	if dateOnly {
		end = end.Add(24*time.Hour - time.Second)
	}

	types := req.Types
	if len(types) == 0 {
		types = []string{export.TypeSwap, export.TypeAggSwap}
	}

	return export.FilterCriteria{
		Wallet:    req.Wallet,
		Start:     start,
		End:       end,
		MinUSD:    req.MinUSD,
		MaxUSD:    req.MaxUSD,
		Types:     types,
		TokenMint: req.TokenMint,
	}, nil
}

func parseDate(value string) (t time.Time, dateOnly bool, err error) {
	if value == "" {
		return time.Time{}, false, errors.New("required")
	}
	if t, err = time.Parse("2006-01-02", value); err == nil {
		return t, true, nil
	}
	if t, err = time.Parse(time.RFC3339, value); err == nil {
		return t, false, nil
	}
	return time.Time{}, false, errors.New("must be YYYY-MM-DD or RFC 3339")
}

// handleCreateExport returns a handler that runs an export.
// POST /api/v1/exports
//
// By default the export runs synchronously and the response body is the
// CSV. With "async": true a job record is created, an export workflow
// is started, and the job is returned with 202.
func handleCreateExport(store JobStore, exporter Exporter, starter WorkflowStarter, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req exportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("invalid request body", "error", err)
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		criteria, err := req.criteria()
		if err != nil {
			logger.Debug("invalid export request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := criteria.Validate(cfg.MaxWindow); err != nil {
			logger.Debug("invalid export criteria", "wallet", req.Wallet, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Async {
			handleAsyncExport(w, r, store, starter, criteria, logger)
			return
		}

		logger.Info("running synchronous export",
			"wallet", criteria.Wallet,
			"start", criteria.Start,
			"end", criteria.End,
		)

		result, runErr := exporter.Run(r.Context(), criteria, nil)
		if runErr != nil && (result == nil || result.Table == nil || len(result.Table.Rows) == 0) {
			// Nothing usable was fetched.
			kind := export.Classify(runErr)
			logger.Error("export failed",
				"wallet", criteria.Wallet,
				"error_kind", kind,
				"error", runErr,
			)
			writeError(w, runErr.Error(), statusForKind(kind))
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("X-Export-Rows", strconv.Itoa(result.Status.Rows))
		w.Header().Set("X-Export-Pages", strconv.Itoa(result.Status.Pages))
		if result.Status.Capped {
			w.Header().Set("X-Export-Capped", "true")
		}
		if result.Status.Truncated {
			w.Header().Set("X-Export-Truncated", "true")
		}
		if runErr != nil {
			// Partial export: the rows fetched before the failure are
			// still delivered, flagged so clients can warn the user.
			w.Header().Set("X-Export-Error", string(export.Classify(runErr)))
			logger.Warn("serving partial export",
				"wallet", criteria.Wallet,
				"rows", result.Status.Rows,
				"error", runErr,
			)
		}

		if err := result.Table.WriteCSV(w); err != nil {
			logger.Error("failed to write CSV response", "wallet", criteria.Wallet, "error", err)
			return
		}

		logger.Info("export served",
			"wallet", criteria.Wallet,
			"rows", result.Status.Rows,
			"pages", result.Status.Pages,
			"partial", runErr != nil,
		)
	})
}

func handleAsyncExport(w http.ResponseWriter, r *http.Request, store JobStore, starter WorkflowStarter, criteria export.FilterCriteria, logger *slog.Logger) {
	if starter == nil {
		writeError(w, "asynchronous exports are not enabled", http.StatusNotImplemented)
		return
	}

	job, err := store.CreateJob(r.Context(), db.CreateJobParams{
		Wallet:      criteria.Wallet,
		WindowStart: criteria.Start,
		WindowEnd:   criteria.End,
	})
	if err != nil {
		logger.Error("failed to create export job", "wallet", criteria.Wallet, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	workflowID, err := starter.StartExport(r.Context(), temporal.ExportJobInput{
		JobID:     job.ID,
		Wallet:    criteria.Wallet,
		Start:     criteria.Start,
		End:       criteria.End,
		MinUSD:    criteria.MinUSD,
		MaxUSD:    criteria.MaxUSD,
		Types:     criteria.Types,
		TokenMint: criteria.TokenMint,
	})
	if err != nil {
		logger.Error("failed to start export workflow",
			"job_id", job.ID,
			"wallet", criteria.Wallet,
			"error", err,
		)
		writeError(w, "failed to start export", http.StatusInternalServerError)
		return
	}

	logger.Info("async export started",
		"job_id", job.ID,
		"workflow_id", workflowID,
		"wallet", criteria.Wallet,
	)

	writeJSON(w, jobToResponse(job), http.StatusAccepted)
}

// handleGetExport returns a handler that retrieves one export job.
// GET /api/v1/exports/{id}
func handleGetExport(store JobStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		job, err := store.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "export job not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get export job", "job_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, jobToResponse(job), http.StatusOK)
	})
}

// handleListExports returns a handler that lists export jobs.
// GET /api/v1/exports?wallet={wallet}&limit={limit}&offset={offset}
func handleListExports(store JobStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := r.URL.Query().Get("wallet")

		limit := int32(defaultListLimit)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxListLimit {
				writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), http.StatusBadRequest)
				return
			}
			limit = int32(n)
		}

		offset := int32(0)
		if raw := r.URL.Query().Get("offset"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, "offset must be >= 0", http.StatusBadRequest)
				return
			}
			offset = int32(n)
		}

		jobs, err := store.ListJobs(r.Context(), wallet, limit, offset)
		if err != nil {
			logger.Error("failed to list export jobs", "wallet", wallet, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]jobResponse, len(jobs))
		for i, job := range jobs {
			resp[i] = jobToResponse(job)
		}

		writeJSON(w, map[string]interface{}{
			"jobs":  resp,
			"count": len(resp),
		}, http.StatusOK)
	})
}

// handleDownloadExport returns a handler that serves a finished job's CSV.
// GET /api/v1/exports/{id}/download
func handleDownloadExport(store JobStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		job, err := store.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "export job not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get export job", "job_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		if job.ArtifactPath == nil {
			writeError(w, "export has no artifact", http.StatusConflict)
			return
		}

		f, err := os.Open(*job.ArtifactPath)
		if err != nil {
			logger.Error("failed to open export artifact",
				"job_id", id,
				"path", *job.ArtifactPath,
				"error", err,
			)
			writeError(w, "export artifact unavailable", http.StatusGone)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(*job.ArtifactPath)))
		http.ServeContent(w, r, filepath.Base(*job.ArtifactPath), job.UpdatedAt, f)

		logger.Debug("served export artifact", "job_id", id, "rows", job.Rows)
	})
}

// statusForKind maps a pipeline failure kind to an HTTP status.
func statusForKind(kind export.Kind) int {
	switch kind {
	case export.KindValidation:
		return http.StatusBadRequest
	case export.KindRateLimitExhausted:
		return http.StatusServiceUnavailable
	case export.KindTransientExhausted, export.KindFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
