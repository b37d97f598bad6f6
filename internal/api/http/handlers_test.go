package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleonos/nucleon/internal/infrastructure/logging"
	"github.com/nucleonos/nucleon/internal/kernel"
)

func testRouter(t *testing.T) (*gin.Engine, *kernel.Kernel) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	k := kernel.New(kernel.Params{}, logging.NewNop(), nil, nil, nil)
	h := NewHandlers(k, nil, logging.NewNop())

	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/processes", h.ListProcesses)
	r.GET("/processes/:pid", h.GetProcess)
	r.GET("/processes/:pid/caps", h.GetProcessCaps)
	r.GET("/scheduler", h.GetSchedulerStats)
	r.POST("/irq/:vector", h.InjectIRQ)
	r.DELETE("/processes/:pid", h.TerminateProcess)
	return r, k
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthReportsIdentity(t *testing.T) {
	r, k := testRouter(t)
	k.Boot()

	w := do(r, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, k.BootID(), body["boot_id"])
}

func TestListProcesses(t *testing.T) {
	r, k := testRouter(t)
	boot := k.Boot()
	_, err := k.Spawn(boot)
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/processes")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Processes []kernel.ProcessInfo `json:"processes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Processes, 2)
}

func TestGetProcessValidation(t *testing.T) {
	r, k := testRouter(t)
	k.Boot()

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/processes/abc").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/processes/999").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/processes/1").Code)
}

func TestCapsRenderRightsAsStrings(t *testing.T) {
	r, k := testRouter(t)
	boot := k.Boot()
	th, err := k.AddThread(boot, kernel.ClassNormal, 0, 0)
	require.NoError(t, err)
	resp := k.Dispatch(th.ID(), kernel.Request{Op: kernel.OpEndpointCreate, Mode: kernel.Mailbox})
	require.NoError(t, resp.Err)

	w := do(r, http.MethodGet, "/processes/1/caps")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Capabilities []map[string]any `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Capabilities, 1)
	assert.Contains(t, body.Capabilities[0]["rights"], "send")
}

func TestInjectIRQ(t *testing.T) {
	r, _ := testRouter(t)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/irq/42").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/irq/notanumber").Code)
}

func TestTerminateProcessEndpoint(t *testing.T) {
	r, k := testRouter(t)
	boot := k.Boot()
	child, err := k.Spawn(boot)
	require.NoError(t, err)

	path := "/processes/" + strconv.FormatUint(uint64(child.ID()), 10)
	assert.Equal(t, http.StatusOK, do(r, http.MethodDelete, path).Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodDelete, path).Code, "second terminate conflicts")
}
