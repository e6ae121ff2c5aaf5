package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/carlmjohnson/versioninfo"
	"github.com/elnormous/contenttype"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const ctxDeviceID = "deviceID"

var eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}

type authRequest struct {
	ID int64  `json:"id"`
	Pw string `json:"pw"`
}

type authResponse struct {
	furitype.DeviceInfo
	Token string `json:"token"`
}

type createDeviceRequest struct {
	Name    string `json:"name"`
	OwnerID int64  `json:"ownerId"`
}

type createDeviceResponse struct {
	furitype.DeviceInfo
	Secret string `json:"secret"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type createSensorRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sensorValueRequest struct {
	Value *string `json:"value"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)

	device := e.Group("/api/device")
	device.POST("/auth", s.DeviceAuthHandler)
	session := device.Group("", middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator:    s.validateDeviceToken,
		ErrorHandler: unauthorized,
	}))
	session.GET("/start", s.DeviceStartHandler)
	session.POST("/sensor/:id", s.DeviceSensorHandler)
	session.POST("/control/:id/unpress", s.DeviceUnpressHandler)

	front := e.Group("/api/front", middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator:    s.validateFrontToken,
		ErrorHandler: unauthorized,
	}))
	front.POST("/dev", s.CreateDeviceHandler)
	front.GET("/dev", s.ListDevicesHandler)
	front.GET("/dev/:id", s.DescriptorHandler)
	front.POST("/dev/:id/rename", s.RenameDeviceHandler)
	front.GET("/dev/:id/stream", s.ViewerStreamHandler)
	front.POST("/dev/:id/sensors", s.CreateSensorHandler)
	front.POST("/dev/:id/sensors/:sid/rename", s.RenameSensorHandler)
	front.DELETE("/dev/:id/sensors/:sid", s.DeleteSensorHandler)
	front.POST("/dev/:id/controls", s.CreateControlHandler)
	front.POST("/dev/:id/controls/:cid/rename", s.RenameControlHandler)
	front.DELETE("/dev/:id/controls/:cid", s.DeleteControlHandler)
	front.POST("/dev/:id/controls/:cid/press", s.PressControlHandler)
	front.POST("/dev/:id/controls/:cid/clearLastUnpress", s.ClearLastUnpressHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	if s.masterActor == nil {
		return c.String(http.StatusOK, fmt.Sprintf("health_check: OK (%s)", versioninfo.Short()))
	}
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, fmt.Sprintf("health_check: OK (%s)", versioninfo.Short()))
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

// auth

func (s *Server) validateDeviceToken(key string, c echo.Context) (bool, error) {
	deviceID, err := s.tokens.Validate(key)
	if err != nil {
		return false, nil
	}
	c.Set(ctxDeviceID, deviceID)
	return true, nil
}

func (s *Server) validateFrontToken(key string, c echo.Context) (bool, error) {
	if s.frontToken == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.frontToken)) == 1, nil
}

func unauthorized(err error, c echo.Context) error {
	return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
}

// device API

func (s *Server) DeviceAuthHandler(c echo.Context) error {
	var req authRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	info, err := s.devices.Authenticate(c.Request().Context(), req.ID, req.Pw)
	if err != nil {
		return httpError(err)
	}
	token, err := s.tokens.Issue(info.ID)
	if err != nil {
		s.logger.Error("could not sign token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, authResponse{DeviceInfo: info, Token: token})
}

func (s *Server) DeviceStartHandler(c echo.Context) error {
	deviceID := c.Get(ctxDeviceID).(int64)
	return s.serveStream(c, deviceID, s.sessions.OpenSession)
}

func (s *Server) DeviceSensorHandler(c echo.Context) error {
	deviceID := c.Get(ctxDeviceID).(int64)
	sensorID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req sensorValueRequest
	if err := c.Bind(&req); err != nil || req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := s.devices.ReportSensorValue(c.Request().Context(), deviceID, sensorID, *req.Value); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) DeviceUnpressHandler(c echo.Context) error {
	deviceID := c.Get(ctxDeviceID).(int64)
	controlID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.devices.AcknowledgeUnpress(c.Request().Context(), deviceID, controlID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// operator API

func (s *Server) CreateDeviceHandler(c echo.Context) error {
	var req createDeviceRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	info, secret, err := s.devices.CreateDevice(c.Request().Context(), req.OwnerID, req.Name)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createDeviceResponse{DeviceInfo: info, Secret: secret})
}

func (s *Server) ListDevicesHandler(c echo.Context) error {
	devices, err := s.devices.ListDevices(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, devices)
}

func (s *Server) DescriptorHandler(c echo.Context) error {
	deviceID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	desc, err := s.devices.Descriptor(c.Request().Context(), deviceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, desc)
}

func (s *Server) RenameDeviceHandler(c echo.Context) error {
	deviceID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	name, err := bindName(c)
	if err != nil {
		return err
	}
	if err := s.devices.RenameDevice(c.Request().Context(), deviceID, name); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ViewerStreamHandler(c echo.Context) error {
	deviceID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	return s.serveStream(c, deviceID, s.sessions.OpenViewer)
}

func (s *Server) CreateSensorHandler(c echo.Context) error {
	deviceID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req createSensorRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	info, err := s.devices.CreateSensor(c.Request().Context(), deviceID, req.Name, req.Value)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) RenameSensorHandler(c echo.Context) error {
	deviceID, sensorID, err := idParams(c, "sid")
	if err != nil {
		return err
	}
	name, err := bindName(c)
	if err != nil {
		return err
	}
	if err := s.devices.RenameSensor(c.Request().Context(), deviceID, sensorID, name); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) DeleteSensorHandler(c echo.Context) error {
	deviceID, sensorID, err := idParams(c, "sid")
	if err != nil {
		return err
	}
	if err := s.devices.DeleteSensor(c.Request().Context(), deviceID, sensorID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) CreateControlHandler(c echo.Context) error {
	deviceID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	name, err := bindName(c)
	if err != nil {
		return err
	}
	info, err := s.devices.CreateControl(c.Request().Context(), deviceID, name)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) RenameControlHandler(c echo.Context) error {
	deviceID, controlID, err := idParams(c, "cid")
	if err != nil {
		return err
	}
	name, err := bindName(c)
	if err != nil {
		return err
	}
	if err := s.devices.RenameControl(c.Request().Context(), deviceID, controlID, name); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) DeleteControlHandler(c echo.Context) error {
	deviceID, controlID, err := idParams(c, "cid")
	if err != nil {
		return err
	}
	if err := s.devices.DeleteControl(c.Request().Context(), deviceID, controlID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) PressControlHandler(c echo.Context) error {
	deviceID, controlID, err := idParams(c, "cid")
	if err != nil {
		return err
	}
	if err := s.devices.PressControl(c.Request().Context(), deviceID, controlID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ClearLastUnpressHandler(c echo.Context) error {
	deviceID, controlID, err := idParams(c, "cid")
	if err != nil {
		return err
	}
	if err := s.devices.ClearLastUnpress(c.Request().Context(), deviceID, controlID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// push streams

type openStreamFunc func(ctx context.Context, deviceID int64, stream port.Stream) error

// serveStream attaches an SSE stream to a device topic and holds the request
// open until either side closes it.
func (s *Server) serveStream(c echo.Context, deviceID int64, open openStreamFunc) error {
	req := c.Request()
	if _, _, err := contenttype.GetAcceptableMediaType(req, eventStreamMediaTypes); err != nil {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "client must accept text/event-stream")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")

	stream := newSSEStream(resp, http.NewResponseController(resp.Writer), s.writeTimeout)
	ctx := req.Context()
	if err := open(ctx, deviceID, stream); err != nil {
		s.sessions.CloseStream(deviceID, stream)
		if resp.Committed {
			s.logger.Warn("stream open failed", zap.Int64("device", deviceID), zap.Error(err))
			return nil
		}
		return httpError(err)
	}
	s.logger.Debug("stream open", zap.Int64("device", deviceID), zap.String("stream", stream.ID()))

	select {
	case <-ctx.Done():
	case <-stream.Done():
	}
	s.sessions.CloseStream(deviceID, stream)
	s.logger.Debug("stream closed", zap.Int64("device", deviceID), zap.String("stream", stream.ID()))
	return nil
}

// helpers

func httpError(err error) error {
	switch {
	case errors.Is(err, port.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, port.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "conflict")
	case errors.Is(err, port.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}

func idParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func idParams(c echo.Context, child string) (int64, int64, error) {
	deviceID, err := idParam(c, "id")
	if err != nil {
		return 0, 0, err
	}
	childID, err := idParam(c, child)
	if err != nil {
		return 0, 0, err
	}
	return deviceID, childID, nil
}

func bindName(c echo.Context) (string, error) {
	var req nameRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return req.Name, nil
}
