package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/farmx/apiserver/internal/services"
	"github.com/farmx/apiserver/internal/storage"
)

const (
	formFieldImage     = "image"
	maxMultipartMemory = 32 << 20
	multipartOverhead  = 1 << 20
)

var errUploadTooLarge = errors.New("uploaded file too large")

// ObjectReader opens stored uploads for download.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// UploadHandler accepts image uploads and serves them back.
type UploadHandler struct {
	uploads  *services.UploadService
	objects  ObjectReader
	maxBytes int64
	logger   *slog.Logger
}

func NewUploadHandler(uploads *services.UploadService, objects ObjectReader, maxBytes int64, logger *slog.Logger) *UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{uploads: uploads, objects: objects, maxBytes: maxBytes, logger: logger}
}

// ImageRouter registers the upload endpoint.
func ImageRouter(r chi.Router, h *UploadHandler) {
	r.Post("/upload", h.Upload)
}

// FileRouter registers retrieval of stored uploads.
func FileRouter(r chi.Router, h *UploadHandler) {
	r.Get("/{name}", h.Serve)
}

// Upload stores the multipart "image" file and returns its analysis.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, errUploadTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(formFieldImage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	data, err := readFileLimited(file, h.maxBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.uploads.AnalyzeImage(r.Context(), data, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "No file uploaded")
			return
		}
		writeError(w, http.StatusInternalServerError, "Upload failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Serve streams a stored upload by its generated name.
func (h *UploadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != path.Base(name) || name[0] == '.' {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rc, err := h.objects.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "open upload failed", slog.String("name", name), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// readFileLimited reads at most limit bytes. A non-positive limit disables the cap.
func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(reader)
	}
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errUploadTooLarge
	}
	return data, nil
}
