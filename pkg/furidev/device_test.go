package furidev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/berfenger/furi/pkg/furitype"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// fakeServer speaks the device API of a furi server.
type fakeServer struct {
	mu        sync.Mutex
	boot      furitype.DeviceDescriptor
	bootFrame string
	calls     []string

	// sensorStatus overrides the sensor response when set
	sensorStatus int
	// sensorEntered makes the sensor handler hang until the client goes away
	sensorEntered chan struct{}

	conns  chan *fakeConn
	server *httptest.Server
}

type fakeConn struct {
	frames chan string
	kill   chan struct{}
}

func newFakeServer(t *testing.T, boot furitype.DeviceDescriptor) *fakeServer {
	s := &fakeServer{
		boot:  boot,
		conns: make(chan *fakeConn, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/device/auth", s.auth)
	mux.HandleFunc("GET /api/device/start", s.start)
	mux.HandleFunc("POST /api/device/sensor/{id}", s.sensor)
	mux.HandleFunc("POST /api/device/control/{id}/unpress", s.unpress)
	s.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.server.CloseClientConnections()
		s.server.Close()
	})
	return s
}

func (s *fakeServer) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeServer) setBoot(boot furitype.DeviceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boot = boot
}

func (s *fakeServer) auth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pw != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(authResponse{Token: testToken})
}

func (s *fakeServer) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testToken
}

func (s *fakeServer) start(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	first := s.bootFrame
	if first == "" {
		payload, _ := furitype.Encode(furitype.BootEvent{Descript: s.boot})
		first = string(payload)
	}
	s.mu.Unlock()

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "data: %s\n\ndata: open\n\n", first)
	flusher.Flush()

	conn := &fakeConn{frames: make(chan string, 16), kill: make(chan struct{})}
	s.conns <- conn
	for {
		select {
		case frame := <-conn.frames:
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		case <-conn.kill:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *fakeServer) sensor(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	status, entered := s.sensorStatus, s.sensorEntered
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-r.Context().Done()
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	var req valueRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.record(fmt.Sprintf("sensor:%s=%s", r.PathValue("id"), req.Value))
	w.WriteHeader(http.StatusNoContent)
}

func (s *fakeServer) unpress(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.record("unpress:" + r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *fakeServer) nextConn(t *testing.T) *fakeConn {
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no stream opened")
		return nil
	}
}

func newTestDevice(t *testing.T, s *fakeServer, secret string) *Device {
	d, err := New(Config{
		Server:         s.server.URL,
		DeviceID:       1,
		Secret:         secret,
		RetryInterval:  50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(d.Dispose)
	return d
}

func pressFrame(cid int64, press bool) string {
	payload, _ := furitype.Encode(furitype.ControlPressEvent{ControlID: cid, Press: press})
	return string(payload)
}

func TestConnectAndSendSensor(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	d := newTestDevice(t, s, "secret")
	ctx := context.Background()

	assert.ErrorIs(t, d.SendSensor(ctx, "temp", 1), ErrNotConnected)

	require.NoError(t, d.Connect(ctx))
	s.nextConn(t)
	assert.Equal(t, STATE_STREAMING, d.State())

	desc, err := d.Descriptor(ctx)
	require.NoError(t, err)
	assert.Equal(t, testDescriptor(), desc)

	require.NoError(t, d.SendSensor(ctx, "temp", 21.5))
	require.NoError(t, d.SendSensor(ctx, "humidity", map[string]int{"rel": 40}))
	assert.ErrorIs(t, d.SendSensor(ctx, "pressure", 1), ErrUnknownSensor)

	assert.Equal(t, []string{"sensor:1=21.5", `sensor:2={"rel":40}`}, s.recorded())
}

func TestConnectAuthenticationFailure(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	d := newTestDevice(t, s, "wrong")

	err := d.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, STATE_DISCONNECTED, d.State())
}

func TestConnectProtocolViolation(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	s.bootFrame = pressFrame(7, true)
	d := newTestDevice(t, s, "secret")

	err := d.Connect(context.Background())
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, STATE_DISCONNECTED, d.State())
}

func TestConnectInvalidControlName(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	d := newTestDevice(t, s, "secret")
	ghost := func(ctx context.Context, control furitype.ControlInfo) error { return nil }

	d.ListenControl("ghost", ghost)
	assert.ErrorIs(t, d.Connect(context.Background()), ErrInvalidControlName)

	d.UnlistenControl("ghost", ghost)
	d.ListenControlUnchecked("ghost", ghost)
	assert.NoError(t, d.Connect(context.Background()))
}

func TestUnpressAfterListenerSettles(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	d := newTestDevice(t, s, "secret")

	d.ListenControl("vent", func(ctx context.Context, control furitype.ControlInfo) error {
		time.Sleep(100 * time.Millisecond)
		s.record("listener:" + control.Name)
		return nil
	})
	d.ListenControl("vent", func(ctx context.Context, control furitype.ControlInfo) error {
		panic("broken handler")
	})
	d.ListenControl("vent", func(ctx context.Context, control furitype.ControlInfo) error {
		s.record("listener:failing")
		return errors.New("failed")
	})

	require.NoError(t, d.Connect(context.Background()))
	conn := s.nextConn(t)
	conn.frames <- pressFrame(7, true)

	assert.Eventually(t, func() bool { return len(s.recorded()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"listener:vent", "listener:failing", "unpress:7"}, s.recorded())

	// a sensor value sent after the press waits behind the acknowledgement
	require.NoError(t, d.SendSensor(context.Background(), "temp", "1"))
	assert.Equal(t, "sensor:1=1", s.recorded()[3])
}

func TestPressedControlsDispatchedOnBoot(t *testing.T) {
	boot := testDescriptor()
	boot.Controls[0].Pressed = true
	s := newFakeServer(t, boot)
	d := newTestDevice(t, s, "secret")

	require.NoError(t, d.Connect(context.Background()))
	assert.Eventually(t, func() bool {
		calls := s.recorded()
		return len(calls) == 1 && calls[0] == "unpress:7"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInboundEnvelopesPatchDescriptor(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	d := newTestDevice(t, s, "secret")
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	conn := s.nextConn(t)

	created, _ := furitype.Encode(furitype.SensorCreateEvent{Info: furitype.SensorInfo{ID: 3, DeviceID: 1, Name: "co2"}})
	conn.frames <- string(created)
	conn.frames <- "not json"
	renamed, _ := furitype.Encode(furitype.ControlRenameEvent{ControlID: 7, Name: "fan"})
	conn.frames <- string(renamed)

	assert.Eventually(t, func() bool {
		desc, err := d.Descriptor(ctx)
		return err == nil && len(desc.Sensors) == 3 && desc.Controls[0].Name == "fan"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, d.SendSensor(ctx, "co2", 400))
}

func TestReconnectReplacesDescriptor(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	d := newTestDevice(t, s, "secret")
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	conn := s.nextConn(t)

	second := testDescriptor()
	second.Sensors = second.Sensors[:1]
	s.setBoot(second)
	close(conn.kill)

	s.nextConn(t)
	assert.Eventually(t, func() bool {
		desc, err := d.Descriptor(ctx)
		return err == nil && len(desc.Sensors) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, STATE_STREAMING, d.State())
}

func TestDisposeStopsReconnecting(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	d := newTestDevice(t, s, "secret")
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	conn := s.nextConn(t)
	close(conn.kill)
	assert.Eventually(t, func() bool { return d.State() == STATE_RETRYING || d.State() == STATE_STREAMING },
		5*time.Second, 10*time.Millisecond)

	d.Dispose()
	d.Dispose()
	assert.Equal(t, STATE_DISPOSED, d.State())
	assert.ErrorIs(t, d.Connect(ctx), ErrDisposed)
	assert.ErrorIs(t, d.SendSensor(ctx, "temp", 1), ErrDisposed)

	// drain a stream that may have been opened before disposal
	select {
	case <-s.conns:
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case <-s.conns:
		t.Fatal("reconnected after dispose")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSendSensorTransportFailure(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	s.mu.Lock()
	s.sensorStatus = http.StatusInternalServerError
	s.mu.Unlock()
	d := newTestDevice(t, s, "secret")
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	s.nextConn(t)

	err := d.SendSensor(ctx, "temp", 1)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, STATE_STREAMING, d.State())

	// a failed call does not drop the stream
	select {
	case <-s.conns:
		t.Fatal("reconnected after a failed call")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, STATE_STREAMING, d.State())
}

func TestDisposeAnswersInFlightCall(t *testing.T) {
	s := newFakeServer(t, testDescriptor())
	s.mu.Lock()
	s.sensorEntered = make(chan struct{}, 1)
	s.mu.Unlock()
	d := newTestDevice(t, s, "secret")
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	s.nextConn(t)

	result := make(chan error, 1)
	go func() {
		result <- d.SendSensor(ctx, "temp", 1)
	}()

	select {
	case <-s.sensorEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("sensor call never reached the server")
	}
	d.Dispose()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call still blocked after dispose")
	}
}
