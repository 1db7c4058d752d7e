package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	for _, tc := range []struct {
		name   string
		checks map[string]func(context.Context) error
		code   int
		redis  string
	}{
		{"all up", map[string]func(context.Context) error{"database": ok, "redis": ok}, http.StatusOK, "ok"},
		{"redis down", map[string]func(context.Context) error{"database": ok, "redis": down}, http.StatusServiceUnavailable, "connection refused"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/health", healthHandler(tc.checks))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.code, w.Code)

			var body struct {
				Success bool              `json:"success"`
				Data    map[string]string `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.Equal(t, tc.code == http.StatusOK, body.Success)
			require.Equal(t, "ok", body.Data["database"])
			require.Equal(t, tc.redis, body.Data["redis"])
		})
	}
}
