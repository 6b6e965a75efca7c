package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alancoin-escrow/internal/jobs"
	"github.com/mbd888/alancoin-escrow/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(h *harness) *gin.Engine {
	runner := jobs.NewRunner(jobs.NewMemoryLockStore(), logging.Discard(),
		jobs.Func{JobName: "noop", Fn: func(context.Context) error { return nil }})
	r := gin.New()
	NewHandler(h.oracle, runner, h.runs).RegisterAdminRoutes(r.Group("/v1"))
	return r
}

func do(r *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHandler_TriggerAutoRelease(t *testing.T) {
	h := newHarness(AutoReleaseConfig{Enabled: true})
	deliveredTx(t, h.store, "tx_a", 30*time.Hour)
	r := newTestRouter(h)

	w, body := do(r, http.MethodPost, "/v1/oracle/auto-release")
	require.Equal(t, http.StatusOK, w.Code)
	run := body["run"].(map[string]any)
	assert.Equal(t, "auto_release", run["runType"])
	assert.EqualValues(t, 1, run["successCount"])

	w, body = do(r, http.MethodGet, "/v1/oracle/runs?type=auto_release")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = do(r, http.MethodGet, "/v1/oracle/runs/"+run["id"].(string))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_TriggerAutoReleaseDisabled(t *testing.T) {
	r := newTestRouter(newHarness(AutoReleaseConfig{}))

	w, body := do(r, http.MethodPost, "/v1/oracle/auto-release")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "auto_release_disabled", body["error"])
}

func TestHandler_GetRunNotFound(t *testing.T) {
	r := newTestRouter(newHarness(AutoReleaseConfig{Enabled: true}))

	w, body := do(r, http.MethodGet, "/v1/oracle/runs/run_missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "run_not_found", body["error"])
}

func TestHandler_TriggerJobs(t *testing.T) {
	r := newTestRouter(newHarness(AutoReleaseConfig{Enabled: true}))

	w, body := do(r, http.MethodPost, "/v1/oracle/jobs/run?name=noop")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["results"], 1)

	w, _ = do(r, http.MethodPost, "/v1/oracle/jobs/run?name=missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(r, http.MethodGet, "/v1/oracle/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["locks"], 1)
}
