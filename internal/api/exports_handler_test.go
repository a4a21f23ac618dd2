package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/user-export-service/internal/exports"
)

func TestInitiateExport(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	launcher := &stubLauncher{}
	server := newTestServer(t, registry, launcher)

	req := httptest.NewRequest(http.MethodPost, "/exports/csv?country_code=US&min_ltv=100", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		ExportID string `json:"exportId"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "pending" {
		t.Fatalf("status field = %q, want pending", resp.Status)
	}
	id, err := uuid.Parse(resp.ExportID)
	if err != nil {
		t.Fatalf("exportId %q is not a UUID: %v", resp.ExportID, err)
	}

	if len(launcher.launched) != 1 || launcher.launched[0] != id {
		t.Fatalf("launcher calls = %v, want exactly %s", launcher.launched, id)
	}
	job, ok := registry.Get(id)
	if !ok {
		t.Fatal("job not registered")
	}
	if job.Spec.Filters.CountryCode != "US" {
		t.Fatalf("country filter = %q, want US", job.Spec.Filters.CountryCode)
	}
	if job.Spec.Filters.MinLTV == nil || *job.Spec.Filters.MinLTV != 100 {
		t.Fatalf("min_ltv filter = %v, want 100", job.Spec.Filters.MinLTV)
	}
}

func TestInitiateExportValidation(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	launcher := &stubLauncher{}
	server := newTestServer(t, registry, launcher)

	cases := []string{
		"/exports/csv?country_code=usa",
		"/exports/csv?subscription_tier=platinum",
		"/exports/csv?min_ltv=-5",
		"/exports/csv?min_ltv=Inf",
		"/exports/csv?min_ltv=NaN",
		"/exports/csv?columns=id,secret",
		"/exports/csv?delimiter=%7C%7C",
	}
	for _, url := range cases {
		req := httptest.NewRequest(http.MethodPost, url, nil)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", url, rec.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: decode error body: %v", url, err)
		}
		if resp["error"] == "" {
			t.Fatalf("%s: missing error message", url)
		}
	}
	if len(launcher.launched) != 0 {
		t.Fatalf("rejected requests launched pipelines: %v", launcher.launched)
	}
}

func TestStatusEndpoint(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	job := registry.Create(exports.Spec{
		Columns: []string{"id"},
		Dialect: exports.Dialect{Delimiter: ',', Quote: '"'},
	})
	if err := registry.StartJob(job.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	registry.UpdateProgress(job.ID, 250, 1000)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+job.ID.String()+"/status", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		ExportID string `json:"exportId"`
		Status   string `json:"status"`
		Progress struct {
			TotalRows     int64 `json:"totalRows"`
			ProcessedRows int64 `json:"processedRows"`
			Percentage    int   `json:"percentage"`
		} `json:"progress"`
		Error       *string `json:"error"`
		CompletedAt *string `json:"completedAt"`
		CreatedAt   string  `json:"createdAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ExportID != job.ID.String() {
		t.Fatalf("exportId = %q", resp.ExportID)
	}
	if resp.Status != "processing" {
		t.Fatalf("status = %q, want processing", resp.Status)
	}
	if resp.Progress.TotalRows != 1000 || resp.Progress.ProcessedRows != 250 || resp.Progress.Percentage != 25 {
		t.Fatalf("progress = %+v", resp.Progress)
	}
	if resp.Error != nil {
		t.Fatalf("error = %v, want null", *resp.Error)
	}
	if resp.CompletedAt != nil {
		t.Fatalf("completedAt = %v, want null", *resp.CompletedAt)
	}
	if resp.CreatedAt == "" {
		t.Fatal("createdAt missing")
	}
}

func TestStatusUnknownExport(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	for _, path := range []string{
		"/exports/" + uuid.NewString() + "/status",
		"/exports/not-a-uuid/status",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestCancelExport(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	launcher := &stubLauncher{}
	server := newTestServer(t, registry, launcher)

	job := registry.Create(exports.Spec{
		Columns: []string{"id"},
		Dialect: exports.Dialect{Delimiter: ',', Quote: '"'},
	})

	req := httptest.NewRequest(http.MethodDelete, "/exports/"+job.ID.String(), nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body: %s)", rec.Code, rec.Body.String())
	}
	got, _ := registry.Get(job.ID)
	if got.Status != exports.StatusCancelled {
		t.Fatalf("job status = %s, want cancelled", got.Status)
	}
	if len(launcher.cleanedUp) != 1 || launcher.cleanedUp[0] != job.ID {
		t.Fatalf("cleanup calls = %v", launcher.cleanedUp)
	}
}

func TestCancelTerminalExport(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	job := registry.Create(exports.Spec{
		Columns: []string{"id"},
		Dialect: exports.Dialect{Delimiter: ',', Quote: '"'},
	})
	if err := registry.StartJob(job.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if err := registry.CompleteJob(job.ID, "/tmp/out.csv"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/exports/"+job.ID.String(), nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	// The message must name the state that blocked the cancel.
	if !strings.Contains(resp["error"], "completed") {
		t.Fatalf("error = %q, want it to name the completed state", resp["error"])
	}
}

func TestCancelUnknownExport(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodDelete, "/exports/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListExports(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	spec := exports.Spec{
		Columns: []string{"id"},
		Dialect: exports.Dialect{Delimiter: ',', Quote: '"'},
	}
	registry.Create(spec)
	done := registry.Create(spec)
	if err := registry.StartJob(done.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if err := registry.CompleteJob(done.ID, "/tmp/out.csv"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/exports/?status=completed", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Exports []struct {
			ExportID string `json:"exportId"`
			Status   string `json:"status"`
		} `json:"exports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Exports) != 1 || resp.Exports[0].ExportID != done.ID.String() {
		t.Fatalf("list = %+v, want only %s", resp.Exports, done.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/exports/?status=bogus", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown status filter", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, exports.NewRegistry(exports.RegistryConfig{}), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("body = %v", resp)
	}
}
