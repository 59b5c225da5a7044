package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dropboxd/pkg/appserver"
	"github.com/marmos91/dropboxd/pkg/appserver/memory"
	appservertest "github.com/marmos91/dropboxd/pkg/appserver/testing"
	"github.com/marmos91/dropboxd/pkg/registrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve exposes a memory server over the wire format the client speaks.
func serve(t *testing.T, backend *memory.Server, token string) *httptest.Server {
	t.Helper()

	writeErr := func(w http.ResponseWriter, status int, err error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(appserver.ErrorResponse{Code: appserver.ErrorCode(err), Error: err.Error()})
	}
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ids", func(w http.ResponseWriter, r *http.Request) {
		id, err := backend.DrawNewUniqueID(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, appserver.IDResponse{ID: id})
	})
	mux.HandleFunc("PUT /v1/registrations/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req appserver.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := backend.RegisterDataSets(r.Context(), r.PathValue("id"), req.DataSets); err != nil {
			writeErr(w, http.StatusConflict, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /v1/registrations/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := backend.EntityOperationStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, appserver.StatusResponse{Status: status.String()})
	})
	mux.HandleFunc("POST /v1/data-sets/{code}/storage-confirmation", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.SetStorageConfirmed(r.Context(), r.PathValue("code")); err != nil {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ping(r.Context()); err != nil {
			writeErr(w, http.StatusServiceUnavailable, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, backend *memory.Server) *Client {
	t.Helper()
	srv := serve(t, backend, "secret")
	c, err := New(Config{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)
	return c
}

func TestHTTPClient(t *testing.T) {
	suite := &appservertest.ServerTestSuite{
		NewServer: func(t *testing.T) appserver.Server {
			return newClient(t, memory.New())
		},
	}
	suite.Run(t)
}

func TestClient_PingNotReady(t *testing.T) {
	backend := memory.New()
	c := newClient(t, backend)

	backend.SetReady(false)
	assert.ErrorIs(t, c.Ping(context.Background()), appserver.ErrNotReady)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := serve(t, memory.New(), "secret")
	c, err := New(Config{BaseURL: srv.URL, Token: "wrong"})
	require.NoError(t, err)

	_, err = c.DrawNewUniqueID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClient_RegisteredInfoReachesServer(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	c := newClient(t, backend)

	require.NoError(t, c.RegisterDataSets(ctx, "REG 1", []registrator.RegistrationInfo{appservertest.Info("DS1")}))

	codes, ok := backend.Registration("REG 1")
	require.True(t, ok)
	assert.Equal(t, []string{"DS1"}, codes)

	info, _, ok := backend.DataSet("DS1")
	require.True(t, ok)
	assert.Equal(t, "jdoe", info.Properties["OPERATOR"])
	assert.True(t, info.RegistrationTimestamp.Equal(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)))
}

func TestClient_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	c, err := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.EntityOperationStatus(context.Background(), "REG-1")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "ftp://example.org"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "https://example.org/api/"})
	require.NoError(t, err)
	assert.False(t, strings.HasSuffix(c.base.String(), "/"))
}
