package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavel-fokin/file-vault/internal/files"
	"github.com/pavel-fokin/file-vault/internal/metrics"
)

// multipartMemory is how much of a multipart form is held in memory before
// parts spill to temp files.
const multipartMemory = 8 << 20

// parseForm reads a multipart body, reporting an oversized body as 413.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(multipartMemory)
	if err == nil {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return &files.Error{
			Kind:    files.KindPayloadTooLarge,
			Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
		}
	}
	return files.InvalidArgument("malformed multipart form")
}

type uploadResult struct {
	Name    string       `json:"name"`
	Success bool         `json:"success"`
	File    *fileSummary `json:"file,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
}

func (s *Server) uploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, r, files.InvalidArgument("no files provided in field %q", "files"))
		return
	}

	reqs := make([]files.UploadRequest, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			s.writeError(w, r, files.InvalidArgument("file %q is unreadable", h.Filename))
			return
		}
		defer f.Close()

		reqs = append(reqs, files.UploadRequest{
			Name:     h.Filename,
			MimeType: h.Header.Get("Content-Type"),
			Size:     h.Size,
			Content:  f,
		})
	}

	results, err := s.files.Upload(r.Context(), identityFrom(r.Context()), reqs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	created := 0
	out := make([]uploadResult, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			out = append(out, uploadResult{
				Name:    res.Name,
				Code:    string(files.KindOf(res.Err)),
				Message: files.MessageOf(res.Err),
			})
			continue
		}
		created++
		sum := s.summary(res.File)
		out = append(out, uploadResult{Name: res.Name, Success: true, File: &sum})
	}

	status := http.StatusOK
	if created > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, fmt.Sprintf("%d of %d files uploaded", created, len(results)), out)
}

func (s *Server) createFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.files.Create(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum := s.summary(file)
	writeJSON(w, http.StatusCreated, "File created", createdFile{fileSummary: sum, URL: sum.FileURL})
}

// createdFile also carries the content link as url, which the editor's
// create flow reads.
type createdFile struct {
	fileSummary
	URL string `json:"url"`
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.files.List(r.Context(), identityFrom(r.Context()), files.ListOptions{
		FileType:  q.Get("filetype"),
		Search:    q.Get("searchTerm"),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Files retrieved", s.summaries(list))
}

func (s *Server) listTrash(w http.ResponseWriter, r *http.Request) {
	list, err := s.files.ListTrash(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Trash retrieved", s.summaries(list))
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.files.Get(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "File retrieved", s.summary(file))
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.files.Versions(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []files.FileVersion{}
	}
	writeJSON(w, http.StatusOK, "Versions retrieved", versions)
}

func (s *Server) replaceContent(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	content, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, files.InvalidArgument("no file provided in field %q", "file"))
		return
	}
	defer content.Close()

	file, err := s.files.Replace(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), files.ReplaceRequest{
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Content:  content,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "File saved", s.summary(file))
}

type updateRequest struct {
	Name    *string `json:"name"`
	Starred *bool   `json:"starred"`
}

func (s *Server) updateFile(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, &files.Error{Kind: files.KindPayloadTooLarge, Message: "request entity too large"})
			return
		}
		s.writeError(w, r, files.InvalidArgument("malformed JSON body"))
		return
	}

	file, err := s.files.Update(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), files.MetadataUpdate{
		Name:     req.Name,
		Favorite: req.Starred,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "File updated", s.summary(file))
}

func (s *Server) restoreFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.files.Restore(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "File restored", s.summary(file))
}

func (s *Server) softDelete(w http.ResponseWriter, r *http.Request) {
	file, err := s.files.SoftDelete(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "File moved to trash", s.summary(file))
}

func (s *Server) permanentDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.files.PermanentDelete(r.Context(), identityFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "File permanently deleted", map[string]string{"id": id})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, "attachment")
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, "inline")
}

// serveFile streams the current content. Range, If-None-Match and
// If-Modified-Since are handled by http.ServeContent; the blob is closed
// when the handler returns, client aborts included.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, disposition string) {
	file, blob, err := s.files.Open(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() {
		if err := blob.Close(); err != nil {
			s.logger.Warn("Failed to close blob",
				slog.String("file_id", file.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	h := w.Header()
	h.Set("Content-Type", files.ContentType(file))
	h.Set("Content-Disposition", contentDisposition(disposition, file.Name))
	h.Set("ETag", etag(file))
	h.Set("Cache-Control", "private, no-cache")
	h.Set("X-Content-Type-Options", "nosniff")

	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, file.Name, file.UpdatedAt, blob)
	metrics.BytesServedTotal.Add(float64(cw.n))
}

// countingWriter counts the body bytes written through it.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.ResponseWriter.Write(b)
	c.n += int64(n)
	return n, err
}

func contentDisposition(disposition, name string) string {
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": name}); v != "" {
		return v
	}
	return disposition
}
