package testutil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"DRAFT","priority":"MEDIUM"}`))
	})
}

func TestReadBodyIsRepeatable(t *testing.T) {
	rr := DoRequest(echoHandler(), NewRequest(t, http.MethodGet, "/records"))

	first := ReadBody(t, rr)
	second := ReadBody(t, rr)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second, "reading the body must not drain the recorder")
}

func TestRepeatedJSONAssertionsOnOneRecorder(t *testing.T) {
	rr := DoRequest(echoHandler(), NewRequest(t, http.MethodGet, "/records"))

	AssertStatusOK(t, rr)
	AssertJSONContains(t, rr, "status", "DRAFT")
	AssertJSONContains(t, rr, "priority", "MEDIUM")
	AssertJSONHasKey(t, rr, "status")
}
