package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/berfenger/furi/internal/adapter/store"
	coreactor "github.com/berfenger/furi/internal/core/actor"
	"github.com/berfenger/furi/internal/core/service"
	"github.com/berfenger/furi/internal/util"
	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const frontToken = "test-front-token"

type testEnv struct {
	server  *httptest.Server
	devices *service.DeviceService
}

func newTestEnv(t *testing.T) *testEnv {
	cfg := util.LoadTestConfig()
	logger := zap.NewNop()

	as := actorutil.NewActorSystemWithZapLogger(logger)
	registry := coreactor.NewRegistry(as.Root, coreactor.RegistryConfig{HeartbeatInterval: time.Minute}, logger)
	memStore := store.NewMemoryStore()
	coordinator, err := coreactor.NewCoordinator(as.Root, memStore, registry, nil, coreactor.CoordinatorConfig{}, logger)
	require.NoError(t, err)
	devices := service.NewDeviceService(memStore, coordinator, logger).WithHashCost(bcrypt.MinCost)

	s := newServer(cfg, as.Root, nil, devices, coordinator, logger)
	ts := httptest.NewServer(s.RegisterRoutes())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		coordinator.Shutdown()
		registry.Shutdown()
		as.Shutdown()
	})
	return &testEnv{server: ts, devices: devices}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// register creates a device through the operator API and logs it in.
func (env *testEnv) register(t *testing.T, name string) (createDeviceResponse, string) {
	resp := env.do(t, http.MethodPost, "/api/front/dev", frontToken, createDeviceRequest{Name: name, OwnerID: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createDeviceResponse](t, resp)

	resp = env.do(t, http.MethodPost, "/api/device/auth", "", authRequest{ID: created.ID, Pw: created.Secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auth := decode[authResponse](t, resp)
	require.NotEmpty(t, auth.Token)
	return created, auth.Token
}

type sseReader struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func (env *testEnv) openStream(t *testing.T, path, token string) *sseReader {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := &sseReader{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(r.close)
	return r
}

// next returns one frame including its blank line terminator.
func (r *sseReader) next(t *testing.T) string {
	var frame strings.Builder
	for {
		line, err := r.reader.ReadString('\n')
		require.NoError(t, err)
		frame.WriteString(line)
		if line == "\n" {
			return frame.String()
		}
	}
}

// until skips frames until one starting with prefix arrives.
func (r *sseReader) until(t *testing.T, prefix string) string {
	for {
		frame := r.next(t)
		if strings.HasPrefix(frame, prefix) {
			return frame
		}
	}
}

func (r *sseReader) close() {
	r.cancel()
	r.resp.Body.Close()
}

func TestAuthFailures(t *testing.T) {
	env := newTestEnv(t)
	created, _ := env.register(t, "pump")

	resp := env.do(t, http.MethodPost, "/api/device/auth", "", authRequest{ID: created.ID, Pw: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/front/dev", "wrong", createDeviceRequest{Name: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/device/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/device/start", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartRequiresEventStream(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "pump")

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/device/start", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestDeviceSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	created, token := env.register(t, "greenhouse")
	devicePath := fmt.Sprintf("/api/front/dev/%d", created.ID)

	resp := env.do(t, http.MethodPost, devicePath+"/sensors", frontToken, createSensorRequest{Name: "temp", Value: "0"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sensor := decode[furitype.SensorInfo](t, resp)

	viewer := env.openStream(t, devicePath+"/stream", frontToken)
	assert.True(t, strings.HasPrefix(viewer.next(t), `data: {"type":"boot"`))
	assert.Equal(t, "data: open\n\n", viewer.next(t))

	device := env.openStream(t, "/api/device/start", token)
	boot := device.next(t)
	require.True(t, strings.HasPrefix(boot, "data: "))
	env1, err := furitype.Decode([]byte(strings.TrimSuffix(strings.TrimPrefix(boot, "data: "), "\n\n")))
	require.NoError(t, err)
	bootEvent, ok := env1.(furitype.BootEvent)
	require.True(t, ok)
	assert.True(t, bootEvent.Descript.IsOnline)
	require.Len(t, bootEvent.Descript.Sensors, 1)
	assert.Equal(t, "data: open\n\n", device.next(t))

	// the viewer sees the session start
	assert.True(t, strings.HasPrefix(viewer.next(t), `data: {"type":"start"`))

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/device/sensor/%d", sensor.ID), token, map[string]string{"value": "21.5"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	valueFrame := fmt.Sprintf("data: {\"type\":\"sensor\",\"subtype\":\"value\",\"sid\":%d,\"value\":\"21.5\"}\n\n", sensor.ID)
	assert.Equal(t, valueFrame, device.next(t))
	assert.Equal(t, valueFrame, viewer.next(t))

	resp = env.do(t, http.MethodPost, "/api/device/sensor/999", token, map[string]string{"value": "1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, devicePath+"/controls", frontToken, nameRequest{Name: "vent"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	control := decode[furitype.ControlInfo](t, resp)
	assert.True(t, strings.HasPrefix(device.next(t), `data: {"type":"control","subtype":"create"`))

	pressPath := fmt.Sprintf("%s/controls/%d/press", devicePath, control.ID)
	resp = env.do(t, http.MethodPost, pressPath, frontToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("data: {\"type\":\"control\",\"subtype\":\"press\",\"cid\":%d,\"press\":true}\n\n", control.ID), device.next(t))

	resp = env.do(t, http.MethodPost, pressPath, frontToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/device/control/%d/unpress", control.ID), token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("data: {\"type\":\"control\",\"subtype\":\"press\",\"cid\":%d,\"press\":false}\n\n", control.ID), device.next(t))

	// closing the device stream takes the device offline
	device.close()
	assert.Equal(t, "data: {\"type\":\"offline\"}\n\n", viewer.until(t, `data: {"type":"offline"`))

	resp = env.do(t, http.MethodGet, devicePath, frontToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	desc := decode[furitype.DeviceDescriptor](t, resp)
	assert.False(t, desc.IsOnline)
	require.Len(t, desc.Controls, 1)
	assert.NotNil(t, desc.Controls[0].LastUnpress)
}

func TestListAndRenameDevices(t *testing.T) {
	env := newTestEnv(t)
	created, _ := env.register(t, "a")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/front/dev/%d/rename", created.ID), frontToken, nameRequest{Name: "alpha"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/front/dev", frontToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices := decode[[]furitype.DeviceInfo](t, resp)
	require.Len(t, devices, 1)
	assert.Equal(t, "alpha", devices[0].Name)

	resp = env.do(t, http.MethodGet, "/api/front/dev/abc", frontToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/front/dev/999", frontToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthcheck", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
