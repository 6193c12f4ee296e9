package apperror

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessagePrefixes(t *testing.T) {
	assert.Equal(t, "Client error: bad hash", NewClient("bad hash").Error())
	assert.Equal(t, "Server error: disk full", NewServer("disk full").Error())
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewClient("x").StatusCode())
	assert.Equal(t, http.StatusInternalServerError, NewServer("x").StatusCode())
}

func TestWriteWrapsPlainError(t *testing.T) {
	log := zerolog.Nop()
	rec := httptest.NewRecorder()

	Write(&log, rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Server error: ")
}

func TestWritePreservesClientKind(t *testing.T) {
	log := zerolog.Nop()
	rec := httptest.NewRecorder()

	Write(&log, rec, NewClient("invalid hash"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Client error: invalid hash")
}
