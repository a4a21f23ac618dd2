package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/user-export-service/internal/exports"
)

type stubLauncher struct {
	launched  []uuid.UUID
	cleanedUp []uuid.UUID
}

func (s *stubLauncher) Launch(id uuid.UUID)          { s.launched = append(s.launched, id) }
func (s *stubLauncher) ScheduleCleanup(id uuid.UUID) { s.cleanedUp = append(s.cleanedUp, id) }

func newTestServer(t *testing.T, registry *exports.Registry, launcher Launcher) *Server {
	t.Helper()
	if launcher == nil {
		launcher = &stubLauncher{}
	}
	server := NewServer(Config{})
	server.RegisterExportRoutes(
		NewExportsHandler(registry, launcher, nil),
		NewDownloadHandler(registry, nil),
	)
	return server
}

// completedExport registers a completed job whose artifact holds the given
// bytes and returns its identifier.
func completedExport(t *testing.T, registry *exports.Registry, content []byte) uuid.UUID {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.csv")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	job := registry.Create(exports.Spec{
		Columns: []string{"id"},
		Dialect: exports.Dialect{Delimiter: ',', Quote: '"'},
	})
	if err := registry.StartJob(job.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if err := registry.CompleteJob(job.ID, path); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	return job.ID
}

func TestDownloadFullArtifact(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	content := []byte("abcdefghij")
	id := completedExport(t, registry, content)
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("Accept-Ranges = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "10" {
		t.Fatalf("Content-Length = %q", got)
	}
	wantDisp := `attachment; filename="export_` + id.String() + `.csv"`
	if got := rec.Header().Get("Content-Disposition"); got != wantDisp {
		t.Fatalf("Content-Disposition = %q, want %q", got, wantDisp)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatalf("body = %q", rec.Body.Bytes())
	}
}

func TestDownloadSingleRange(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	id := completedExport(t, registry, []byte("abcdefghij"))
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-4/10" {
		t.Fatalf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "3" {
		t.Fatalf("Content-Length = %q", got)
	}
	if rec.Body.String() != "cde" {
		t.Fatalf("body = %q, want cde", rec.Body.String())
	}
}

func TestDownloadOpenEndedRange(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	id := completedExport(t, registry, []byte("abcdefghij"))
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
	req.Header.Set("Range", "bytes=7-")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 7-9/10" {
		t.Fatalf("Content-Range = %q", got)
	}
	if rec.Body.String() != "hij" {
		t.Fatalf("body = %q, want hij", rec.Body.String())
	}
}

func TestDownloadRangeEndClampedToSize(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	id := completedExport(t, registry, []byte("abcdefghij"))
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
	req.Header.Set("Range", "bytes=8-99")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 8-9/10" {
		t.Fatalf("Content-Range = %q", got)
	}
	if rec.Body.String() != "ij" {
		t.Fatalf("body = %q, want ij", rec.Body.String())
	}
}

func TestDownloadUnsatisfiableRange(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	id := completedExport(t, registry, []byte("abcdefghij"))
	server := newTestServer(t, registry, nil)

	for _, header := range []string{"bytes=10-", "bytes=50-60", "bytes=5-2"} {
		req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
		req.Header.Set("Range", header)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("Range %q: status = %d, want 416", header, rec.Code)
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */10" {
			t.Fatalf("Range %q: Content-Range = %q, want bytes */10", header, got)
		}
	}
}

func TestDownloadMultiRangeRejected(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	id := completedExport(t, registry, []byte("abcdefghij"))
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
	req.Header.Set("Range", "bytes=0-1,5-6")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
}

func TestDownloadMalformedRangeServesFullFile(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	id := completedExport(t, registry, []byte("abcdefghij"))
	server := newTestServer(t, registry, nil)

	for _, header := range []string{"bytes=-5", "lines=0-2", "bytes=abc-def", "bytes=2"} {
		req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
		req.Header.Set("Range", header)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("Range %q: status = %d, want 200", header, rec.Code)
		}
		if rec.Body.String() != "abcdefghij" {
			t.Fatalf("Range %q: body = %q, want full content", header, rec.Body.String())
		}
	}
}

func TestDownloadGzip(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	content := []byte("abcdefghij")
	id := completedExport(t, registry, content)
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "" {
		t.Fatalf("Content-Length = %q, want unset for streamed gzip", got)
	}
	wantDisp := `attachment; filename="export_` + id.String() + `.csv.gz"`
	if got := rec.Header().Get("Content-Disposition"); got != wantDisp {
		t.Fatalf("Content-Disposition = %q, want %q", got, wantDisp)
	}

	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	decoded, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Fatalf("decompressed = %q", decoded)
	}
}

func TestDownloadGzipRangeCompressesUncompressedSlice(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	id := completedExport(t, registry, []byte("abcdefghij"))
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+id.String()+"/download", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-4/10" {
		t.Fatalf("Content-Range = %q", got)
	}

	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	decoded, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decoded) != "cde" {
		t.Fatalf("decompressed = %q, want cde", decoded)
	}
}

func TestDownloadNotReady(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	job := registry.Create(exports.Spec{
		Columns: []string{"id"},
		Dialect: exports.Dialect{Delimiter: ',', Quote: '"'},
	})

	req := httptest.NewRequest(http.MethodGet, "/exports/"+job.ID.String()+"/download", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooEarly {
		t.Fatalf("status = %d, want 425", rec.Code)
	}
}

func TestDownloadUnknownExport(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/"+uuid.NewString()+"/download", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownloadMissingArtifact(t *testing.T) {
	registry := exports.NewRegistry(exports.RegistryConfig{})
	server := newTestServer(t, registry, nil)

	job := registry.Create(exports.Spec{
		Columns: []string{"id"},
		Dialect: exports.Dialect{Delimiter: ',', Quote: '"'},
	})
	if err := registry.StartJob(job.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if err := registry.CompleteJob(job.ID, filepath.Join(t.TempDir(), "gone.csv")); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/exports/"+job.ID.String()+"/download", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
