package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootRoute(t *testing.T) {
	srv := httptest.NewServer(newRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello World!", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestUnknownRoute(t *testing.T) {
	srv := httptest.NewServer(newRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDefaultPort(t *testing.T) {
	t.Setenv("PORT", "")
	assert.Equal(t, 8080, defaultPort())

	t.Setenv("PORT", "9091")
	assert.Equal(t, 9091, defaultPort())

	t.Setenv("PORT", "not-a-port")
	assert.Equal(t, 8080, defaultPort())
}
