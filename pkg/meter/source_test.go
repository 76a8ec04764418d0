package meter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hassServer(t *testing.T, states map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		entity := r.URL.Path[len("/api/states/"):]
		state, ok := states[entity]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"entity_id": %q, "state": %q}`, entity, state)
	}))
}

func TestHassSourceRead(t *testing.T) {
	srv := hassServer(t, map[string]string{
		"sensor.imp": "12345.6",
		"sensor.exp": "234.5",
	})
	defer srv.Close()

	s := NewHassSource(srv.URL, "token", "sensor.imp", "sensor.exp", srv.Client())
	r, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12345.6, r.ImportKWH)
	assert.Equal(t, 234.5, r.ExportKWH)
	assert.False(t, r.At.IsZero())
}

func TestHassSourceImportOnly(t *testing.T) {
	srv := hassServer(t, map[string]string{"sensor.imp": "42"})
	defer srv.Close()

	s := NewHassSource(srv.URL, "token", "sensor.imp", "", srv.Client())
	r, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, r.ImportKWH)
	assert.Zero(t, r.ExportKWH)
}

func TestHassSourceUnavailable(t *testing.T) {
	for _, state := range []string{"unavailable", "unknown", "not-a-number"} {
		srv := hassServer(t, map[string]string{"sensor.imp": state})
		s := NewHassSource(srv.URL, "token", "sensor.imp", "", srv.Client())
		_, err := s.Read(context.Background())
		srv.Close()

		var ua ErrUnavailable
		require.Error(t, err, state)
		assert.True(t, errors.As(err, &ua), state)
		assert.Equal(t, "sensor.imp", ua.Entity)
	}
}

func TestHassSourceMissingEntity(t *testing.T) {
	srv := hassServer(t, nil)
	defer srv.Close()

	s := NewHassSource(srv.URL, "token", "sensor.imp", "", srv.Client())
	_, err := s.Read(context.Background())
	var ua ErrUnavailable
	require.Error(t, err)
	assert.True(t, errors.As(err, &ua))
}

func TestHassSourceSkipsTickWhenExportFails(t *testing.T) {
	srv := hassServer(t, map[string]string{
		"sensor.imp": "100",
		"sensor.exp": "unavailable",
	})
	defer srv.Close()

	s := NewHassSource(srv.URL, "token", "sensor.imp", "sensor.exp", srv.Client())
	_, err := s.Read(context.Background())
	require.Error(t, err)
}
