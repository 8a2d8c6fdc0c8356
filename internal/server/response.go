package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavel-fokin/file-vault/internal/files"
)

// envelope is the JSON shape of every non-streaming response.
type envelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
	Code       string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	writeEnvelope(w, envelope{
		Success:    status < 400,
		StatusCode: status,
		Message:    message,
		Data:       data,
	})
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

var kindStatus = map[files.Kind]int{
	files.KindUnauthenticated:    http.StatusUnauthorized,
	files.KindForbidden:          http.StatusForbidden,
	files.KindNotFound:           http.StatusNotFound,
	files.KindInvalidArgument:    http.StatusBadRequest,
	files.KindUnsupportedType:    http.StatusUnsupportedMediaType,
	files.KindPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	files.KindConflict:           http.StatusConflict,
	files.KindStorageWriteFailed: http.StatusBadGateway,
	files.KindStorageReadFailed:  http.StatusBadGateway,
	files.KindStorageTimeout:     http.StatusGatewayTimeout,
	files.KindInternal:           http.StatusInternalServerError,
}

func statusFor(kind files.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError maps a classified error onto the envelope. Internal details
// are logged, never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := files.KindOf(err)
	status := statusFor(kind)

	if status >= 500 {
		s.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	writeEnvelope(w, envelope{
		StatusCode: status,
		Message:    files.MessageOf(err),
		Code:       string(kind),
	})
}

// fileSummary is the client-facing view of a file record.
type fileSummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Size        int64      `json:"size"`
	Modified    time.Time  `json:"modified"`
	Starred     bool       `json:"starred"`
	FileURL     string     `json:"fileUrl"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	Deleted     bool       `json:"deleted"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	LastSavedAt *time.Time `json:"lastSavedAt,omitempty"`
	LastSavedBy string     `json:"lastSavedBy,omitempty"`
}

func (s *Server) summary(f *files.File) fileSummary {
	return fileSummary{
		ID:          f.ID,
		Name:        f.Name,
		Type:        f.Type,
		Size:        f.Size,
		Modified:    f.UpdatedAt,
		Starred:     f.Favorite,
		FileURL:     s.fileURL(f),
		Version:     f.Version,
		CreatedAt:   f.CreatedAt,
		Deleted:     f.Deleted,
		DeletedAt:   f.DeletedAt,
		LastSavedAt: f.LastSavedAt,
		LastSavedBy: f.LastSavedByID,
	}
}

func (s *Server) summaries(list []*files.File) []fileSummary {
	out := make([]fileSummary, 0, len(list))
	for _, f := range list {
		out = append(out, s.summary(f))
	}
	return out
}

// fileURL points at the inline preview; the version busts caches after a save.
func (s *Server) fileURL(f *files.File) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") +
		"/files/preview/" + f.ID + "?v=" + strconv.FormatInt(f.Version, 10)
}

func etag(f *files.File) string {
	return `"` + f.ID + "-" + strconv.FormatInt(f.Version, 10) + `"`
}
