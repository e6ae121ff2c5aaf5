package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/berfenger/furi/internal/config"
	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/internal/core/service"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
)

type Server struct {
	port         uint
	httpLog      bool
	writeTimeout time.Duration
	frontToken   string
	rootContext  *actor.RootContext
	masterActor  *actor.PID
	devices      *service.DeviceService
	sessions     port.SessionHub
	tokens       *TokenIssuer
	logger       *zap.Logger
}

func newServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID,
	devices *service.DeviceService, sessions port.SessionHub, logger *zap.Logger) *Server {
	return &Server{
		port:         cfg.Port,
		httpLog:      cfg.HttpLog,
		writeTimeout: cfg.Broadcast.WriteTimeout(),
		frontToken:   cfg.Front.ApiToken,
		rootContext:  rootContext,
		masterActor:  masterActor,
		devices:      devices,
		sessions:     sessions,
		tokens:       NewTokenIssuer(cfg.Session.Secret, cfg.Session.TTL()),
		logger:       logger.With(zap.String("component", "http")),
	}
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID,
	devices *service.DeviceService, sessions port.SessionHub, logger *zap.Logger) *http.Server {
	NewServer := newServer(cfg, rootContext, masterActor, devices, sessions, logger)

	// push streams stay open, writes are bounded per frame instead
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", NewServer.port),
		Handler:           NewServer.RegisterRoutes(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server
}
