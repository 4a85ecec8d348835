package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/cmd"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	runtime, err := cmd.NewRuntime(context.Background(), cmd.Config{
		ServiceName: "api-test",
		DatabaseURL: "memory://",
		QueueURL:    "memory://",
		EventBus:    "gochannel",
	}, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { _ = runtime.Close(context.Background()) })

	return NewAPI(slog.Default(), runtime).App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Journeys API", body)
}

func TestAPI_Liveness(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/livez")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/health")

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)
}

func TestAPI_CreateJourney(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/journeys", strings.NewReader(`{"workspace_id":"ws-1","name":"Welcome"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	status, body := get(t, app, "/journeys?workspace_id=ws-1")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"name":"Welcome"`)
}
