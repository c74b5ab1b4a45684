package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/logging"
)

// BaseHandler contains common handler functionality
type BaseHandler struct {
	logger zerolog.Logger
}

// NewBaseHandler creates a common base handler with shared components
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{
		logger: logging.GetLogger("base-handler"),
	}
}

// Response is the envelope of every JSON answer
type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// WriteJSON writes a successful response carrying data
func (h *BaseHandler) WriteJSON(w http.ResponseWriter, status int, data any) {
	h.writeResponse(w, status, Response{Success: true, Data: data})
}

// WriteError writes a failed response for an error code
func (h *BaseHandler) WriteError(w http.ResponseWriter, status int, code string) {
	h.writeResponse(w, status, Response{Success: false, ErrorCode: code, Error: GetErrorMessage(code)})
}

// WriteErrorDetail writes a failed response with a specific message
func (h *BaseHandler) WriteErrorDetail(w http.ResponseWriter, status int, code, detail string) {
	h.writeResponse(w, status, Response{Success: false, ErrorCode: code, Error: detail})
}

func (h *BaseHandler) writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// ComputeETag returns a strong, quoted ETag of content (RFC 7232)
func ComputeETag(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf("\"%s\"", hex.EncodeToString(hash[:]))
}

// ServeWithETag writes content unless the client already holds the same version
func (h *BaseHandler) ServeWithETag(w http.ResponseWriter, r *http.Request, contentType string, content []byte) {
	etag := ComputeETag(content)

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" {
		if matchesETag(ifNoneMatch, etag) {
			h.logger.Debug().Str("if_none_match", ifNoneMatch).Msg("ETag matches - returning 304 Not Modified")
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)

	if _, err := w.Write(content); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write response")
	}
}

// matchesETag checks if the If-None-Match header matches the current ETag.
// Supports multiple ETags separated by commas and wildcard '*' as per RFC 7232
func matchesETag(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range parseETags(ifNoneMatch) {
		// Weak comparison is enough for GET
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// parseETags parses comma-separated ETags from If-None-Match header.
// Escaped quotes inside an ETag are not supported.
func parseETags(header string) []string {
	var etags []string
	for _, part := range strings.Split(header, ",") {
		etag := strings.TrimSpace(part)
		if etag != "" {
			etags = append(etags, etag)
		}
	}
	return etags
}
