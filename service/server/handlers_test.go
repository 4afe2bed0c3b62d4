package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/solexport/service/config"
	"github.com/brojonat/solexport/service/db"
	"github.com/brojonat/solexport/service/export"
	"github.com/brojonat/solexport/service/helius"
	"github.com/brojonat/solexport/service/temporal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"

type fakeJobStore struct {
	jobs      map[string]*db.Job
	nextID    string
	createErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*db.Job), nextID: "job-1"}
}

func (s *fakeJobStore) CreateJob(ctx context.Context, params db.CreateJobParams) (*db.Job, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	job := &db.Job{
		ID:          s.nextID,
		Wallet:      params.Wallet,
		WindowStart: params.WindowStart,
		WindowEnd:   params.WindowEnd,
		Status:      db.JobStatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeJobStore) GetJob(ctx context.Context, id string) (*db.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return job, nil
}

func (s *fakeJobStore) ListJobs(ctx context.Context, wallet string, limit, offset int32) ([]*db.Job, error) {
	jobs := make([]*db.Job, 0)
	for _, job := range s.jobs {
		if wallet == "" || job.Wallet == wallet {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

type fakeExporter struct {
	result   *export.Result
	err      error
	criteria *export.FilterCriteria // captured from the last call
}

func (e *fakeExporter) Run(ctx context.Context, criteria export.FilterCriteria, progress chan<- export.ProgressEvent) (*export.Result, error) {
	e.criteria = &criteria
	return e.result, e.err
}

type fakeStarter struct {
	inputs   []temporal.ExportJobInput
	startErr error
}

func (s *fakeStarter) StartExport(ctx context.Context, input temporal.ExportJobInput) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	s.inputs = append(s.inputs, input)
	return "export-" + input.JobID, nil
}

func testServer(store JobStore, exporter Exporter, starter WorkflowStarter, sse *SSEConsumer) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{MaxExportRows: 10000}
	return New(":0", cfg, store, exporter, starter, sse, nil, logger)
}

func exportResult(rows int) *export.Result {
	table := &export.Table{Header: export.Columns}
	for i := 0; i < rows; i++ {
		table.Rows = append(table.Rows, []string{
			"sig", "2025-06-15T12:00:00Z", "swap", "SOL", "USDC", "1", "100", "100", "Raydium",
		})
	}
	return &export.Result{
		Table:    table,
		Status:   export.Status{Pages: 2, Raw: 150, Rows: rows},
		Filename: "defi_transactions_4Nd1mBQt_20250601_20250630.csv",
	}
}

func validBody(t *testing.T, mutate func(map[string]interface{})) *bytes.Reader {
	t.Helper()

	body := map[string]interface{}{
		"wallet":     testWallet,
		"start_date": "2025-06-01",
		"end_date":   "2025-06-30",
	}
	if mutate != nil {
		mutate(body)
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestCreateExportSync(t *testing.T) {
	t.Run("returns CSV attachment", func(t *testing.T) {
		exporter := &fakeExporter{result: exportResult(2)}
		srv := testServer(newFakeJobStore(), exporter, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, nil))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "defi_transactions_4Nd1mBQt")
		assert.Equal(t, "2", rec.Header().Get("X-Export-Rows"))
		assert.Empty(t, rec.Header().Get("X-Export-Error"))

		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 3) // header + 2 rows
		assert.Equal(t, export.Columns, records[0])
	})

	t.Run("date-only range covers whole days", func(t *testing.T) {
		exporter := &fakeExporter{result: exportResult(0)}
		srv := testServer(newFakeJobStore(), exporter, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, nil))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, exporter.criteria)
		assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), exporter.criteria.Start)
		assert.Equal(t, time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC), exporter.criteria.End)
		assert.Equal(t, []string{export.TypeSwap, export.TypeAggSwap}, exporter.criteria.Types)
	})

	t.Run("invalid wallet rejected before export", func(t *testing.T) {
		exporter := &fakeExporter{result: exportResult(1)}
		srv := testServer(newFakeJobStore(), exporter, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, func(m map[string]interface{}) {
			m["wallet"] = "not-a-wallet"
		}))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Nil(t, exporter.criteria)
	})

	t.Run("malformed dates rejected", func(t *testing.T) {
		srv := testServer(newFakeJobStore(), &fakeExporter{}, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, func(m map[string]interface{}) {
			m["end_date"] = "06/30/2025"
		}))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Contains(t, resp["error"], "end_date")
	})

	t.Run("partial export served with error header", func(t *testing.T) {
		exporter := &fakeExporter{
			result: exportResult(5),
			err:    &helius.ExhaustedError{RateLimited: true, Attempts: 3, Cause: errors.New("429")},
		}
		srv := testServer(newFakeJobStore(), exporter, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, nil))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "rate_limit_exhausted", rec.Header().Get("X-Export-Error"))
		assert.Equal(t, "5", rec.Header().Get("X-Export-Rows"))
	})

	t.Run("exhaustion with nothing fetched maps to 503", func(t *testing.T) {
		exporter := &fakeExporter{
			result: &export.Result{Table: &export.Table{Header: export.Columns}},
			err:    &helius.ExhaustedError{RateLimited: true, Attempts: 3, Cause: errors.New("429")},
		}
		srv := testServer(newFakeJobStore(), exporter, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, nil))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("fatal upstream failure maps to 502", func(t *testing.T) {
		exporter := &fakeExporter{
			result: &export.Result{Table: &export.Table{Header: export.Columns}},
			err:    &helius.FatalError{StatusCode: 401, Cause: errors.New("unauthorized")},
		}
		srv := testServer(newFakeJobStore(), exporter, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, nil))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestCreateExportAsync(t *testing.T) {
	t.Run("creates job and starts workflow", func(t *testing.T) {
		store := newFakeJobStore()
		starter := &fakeStarter{}
		srv := testServer(store, &fakeExporter{}, starter, nil)

		maxUSD := 500.0
		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, func(m map[string]interface{}) {
			m["async"] = true
			m["min_usd"] = 10.0
			m["max_usd"] = maxUSD
			m["types"] = []string{"swap"}
		}))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp jobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "job-1", resp.ID)
		assert.Equal(t, testWallet, resp.Wallet)
		assert.Equal(t, db.JobStatusPending, resp.Status)

		require.Len(t, starter.inputs, 1)
		input := starter.inputs[0]
		assert.Equal(t, "job-1", input.JobID)
		assert.Equal(t, 10.0, input.MinUSD)
		require.NotNil(t, input.MaxUSD)
		assert.Equal(t, maxUSD, *input.MaxUSD)
		assert.Equal(t, []string{"swap"}, input.Types)
	})

	t.Run("rejected when workflows are not enabled", func(t *testing.T) {
		srv := testServer(newFakeJobStore(), &fakeExporter{}, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, func(m map[string]interface{}) {
			m["async"] = true
		}))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("workflow start failure maps to 500", func(t *testing.T) {
		starter := &fakeStarter{startErr: errors.New("temporal down")}
		srv := testServer(newFakeJobStore(), &fakeExporter{}, starter, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", validBody(t, func(m map[string]interface{}) {
			m["async"] = true
		}))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestGetExport(t *testing.T) {
	store := newFakeJobStore()
	kind := "fatal_upstream"
	store.jobs["job-9"] = &db.Job{
		ID:        "job-9",
		Wallet:    testWallet,
		Status:    db.JobStatusFailed,
		Pages:     1,
		ErrorKind: &kind,
	}
	srv := testServer(store, &fakeExporter{}, nil, nil)

	t.Run("existing job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/job-9", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp jobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "job-9", resp.ID)
		assert.Equal(t, db.JobStatusFailed, resp.Status)
		require.NotNil(t, resp.ErrorKind)
		assert.Equal(t, kind, *resp.ErrorKind)
		assert.False(t, resp.HasArtifact)
	})

	t.Run("missing job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/nope", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListExports(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &db.Job{ID: "job-1", Wallet: testWallet}
	store.jobs["job-2"] = &db.Job{ID: "job-2", Wallet: "otherwallet"}
	srv := testServer(store, &fakeExporter{}, nil, nil)

	t.Run("all jobs", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Jobs  []jobResponse `json:"jobs"`
			Count int           `json:"count"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("filtered by wallet", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports?wallet="+testWallet, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Jobs []jobResponse `json:"jobs"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Len(t, resp.Jobs, 1)
		assert.Equal(t, "job-1", resp.Jobs[0].ID)
	})

	t.Run("invalid limit rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports?limit=0", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDownloadExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job-1_out.csv")
	content := strings.Join(export.Columns, ",") + "\nsig,2025-06-15T12:00:00Z,swap,SOL,USDC,1,100,100,Raydium\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := newFakeJobStore()
	store.jobs["job-1"] = &db.Job{
		ID:           "job-1",
		Wallet:       testWallet,
		Status:       db.JobStatusCompleted,
		Rows:         1,
		ArtifactPath: &path,
		UpdatedAt:    time.Now().UTC(),
	}
	store.jobs["job-2"] = &db.Job{ID: "job-2", Wallet: testWallet, Status: db.JobStatusPending}
	srv := testServer(store, &fakeExporter{}, nil, nil)

	t.Run("serves artifact", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/job-1/download", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Equal(t, content, rec.Body.String())
	})

	t.Run("no artifact yet", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/job-2/download", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("artifact deleted from disk", func(t *testing.T) {
		gone := filepath.Join(dir, "missing.csv")
		store.jobs["job-3"] = &db.Job{
			ID:           "job-3",
			Wallet:       testWallet,
			Status:       db.JobStatusCompleted,
			ArtifactPath: &gone,
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/job-3/download", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusGone, rec.Code)
	})
}

func TestHealthAndCORS(t *testing.T) {
	srv := testServer(newFakeJobStore(), &fakeExporter{}, nil, nil)

	t.Run("health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/exports", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
