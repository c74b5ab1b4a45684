package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeWithETag(t *testing.T) {
	handler := NewBaseHandler()
	content := []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
	etag := ComputeETag(content)
	require.NotEmpty(t, etag)

	serve := func(ifNoneMatch string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/calendars/c1/feed.ics", nil)
		if ifNoneMatch != "" {
			req.Header.Set("If-None-Match", ifNoneMatch)
		}
		w := httptest.NewRecorder()
		handler.ServeWithETag(w, req, "text/calendar; charset=utf-8", content)
		return w
	}

	t.Run("Initial request returns ETag", func(t *testing.T) {
		w := serve("")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/calendar; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Equal(t, etag, w.Header().Get("ETag"))
		assert.Equal(t, content, w.Body.Bytes())
	})

	t.Run("Request with matching ETag returns 304", func(t *testing.T) {
		w := serve(etag)
		assert.Equal(t, http.StatusNotModified, w.Code)
		assert.Empty(t, w.Body.Bytes(), "No content should be returned for 304")
	})

	t.Run("Weak validator matches", func(t *testing.T) {
		w := serve("W/" + etag)
		assert.Equal(t, http.StatusNotModified, w.Code)
	})

	t.Run("Request with non-matching ETag returns full content", func(t *testing.T) {
		w := serve("\"other\"")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, content, w.Body.Bytes())
	})

	t.Run("Content change changes the ETag", func(t *testing.T) {
		assert.NotEqual(t, etag, ComputeETag(append(content, 'x')))
	})
}

func TestMatchesETag(t *testing.T) {
	etag := "\"abc123\""

	tests := []struct {
		name        string
		ifNoneMatch string
		expected    bool
	}{
		{"Exact match", "\"abc123\"", true},
		{"Wildcard", "*", true},
		{"Multiple with match", "\"xyz\", \"abc123\"", true},
		{"Multiple without match", "\"xyz\", \"def\"", false},
		{"No match", "\"other\"", false},
		{"Unquoted does not match", "abc123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchesETag(tt.ifNoneMatch, etag))
		})
	}
}

func TestParseETags(t *testing.T) {
	assert.Equal(t, []string{"\"a\"", "\"b\""}, parseETags("\"a\", \"b\""))
	assert.Equal(t, []string{"\"a\""}, parseETags(" \"a\" ,, "))
	assert.Nil(t, parseETags(""))
}

func TestWriteError(t *testing.T) {
	handler := NewBaseHandler()
	w := httptest.NewRecorder()

	handler.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRange)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeInvalidRange, resp.ErrorCode)
	assert.Equal(t, ErrorMessages[ErrCodeInvalidRange], resp.Error)
}

func TestGetErrorMessage(t *testing.T) {
	assert.Equal(t, ErrorMessages[ErrCodeNotFound], GetErrorMessage(ErrCodeNotFound))
	assert.Equal(t, ErrorMessages[ErrCodeUnknown], GetErrorMessage("no_such_code"))
}
