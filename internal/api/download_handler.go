package api

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/otherjamesbrown/user-export-service/internal/exports"
)

// DownloadHandler streams completed export artifacts. It honors single byte
// ranges and compresses on the fly when the client accepts gzip; a ranged
// gzip response compresses the selected slice of the uncompressed file.
type DownloadHandler struct {
	registry *exports.Registry
	logger   *zap.Logger
}

// NewDownloadHandler creates the artifact download handler.
func NewDownloadHandler(registry *exports.Registry, logger *zap.Logger) *DownloadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadHandler{registry: registry, logger: logger}
}

// Download handles GET /exports/{exportID}/download.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExportID(w, r)
	if !ok {
		return
	}
	job, ok := h.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "export not found")
		return
	}
	if job.Status != exports.StatusCompleted {
		respondError(w, http.StatusTooEarly,
			fmt.Sprintf("Export is %s. Retry after the export has completed.", job.Status))
		return
	}

	file, err := os.Open(job.FilePath)
	if err != nil {
		h.logger.Error("artifact missing for completed export",
			zap.String("job_id", id.String()),
			zap.String("path", job.FilePath),
			zap.Error(err),
		)
		respondError(w, http.StatusNotFound, "export artifact is no longer available")
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to stat export artifact")
		return
	}
	size := info.Size()

	useGzip := acceptsGzip(r.Header.Get("Accept-Encoding"))

	start, end, rangeErr := parseByteRange(r.Header.Get("Range"), size)
	if rangeErr == errRangeUnsatisfiable {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		respondError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	}

	filename := "export_" + id.String() + ".csv"
	if useGzip {
		filename += ".gz"
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Accept-Ranges", "bytes")

	// Malformed range headers are ignored; the full artifact is served.
	if rangeErr == nil {
		length := end - start + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			h.logger.Error("failed to seek artifact", zap.Error(err))
			return
		}
		h.send(w, io.LimitReader(file, length), length, http.StatusPartialContent, useGzip)
		return
	}

	h.send(w, file, size, http.StatusOK, useGzip)
}

// send writes the body either raw with an exact Content-Length or through a
// streaming gzip writer, in which case the length is unknowable up front.
func (h *DownloadHandler) send(w http.ResponseWriter, body io.Reader, length int64, status int, useGzip bool) {
	if !useGzip {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(status)
		if _, err := io.Copy(w, body); err != nil {
			h.logger.Warn("artifact stream interrupted", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(status)
	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, body); err != nil {
		h.logger.Warn("artifact stream interrupted", zap.Error(err))
	}
	if err := gz.Close(); err != nil {
		h.logger.Warn("failed to flush gzip stream", zap.Error(err))
	}
}

// acceptsGzip does a simple substring match on Accept-Encoding; quality
// values are not interpreted.
func acceptsGzip(header string) bool {
	return strings.Contains(strings.ToLower(header), "gzip")
}

var (
	errRangeMalformed     = fmt.Errorf("malformed range header")
	errRangeUnsatisfiable = fmt.Errorf("range not satisfiable")
)

// parseByteRange parses a Range header of the form "bytes=START-" or
// "bytes=START-END" against a resource of the given size. Multiple ranges
// are rejected as unsatisfiable; suffix ranges and other malformed inputs
// report errRangeMalformed so the caller can fall back to a full response.
func parseByteRange(header string, size int64) (start, end int64, err error) {
	if header == "" {
		return 0, 0, errRangeMalformed
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, errRangeMalformed
	}
	if strings.Contains(spec, ",") {
		return 0, 0, errRangeUnsatisfiable
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, errRangeMalformed
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)
	if startStr == "" {
		// Suffix ranges (bytes=-N) are not supported.
		return 0, 0, errRangeMalformed
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errRangeMalformed
	}

	end = size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, errRangeMalformed
		}
	}

	if start >= size || start > end {
		return 0, 0, errRangeUnsatisfiable
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}
