package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/adapter/bootstrap"
	"github.com/consus-energy/lanzone-edge/internal/config"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
)

type Server struct {
	port        uint
	httpLog     bool
	rootContext *actor.RootContext
	masterActor *actor.PID
	bootstrap   *bootstrap.Client
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID, bootstrapClient *bootstrap.Client) *http.Server {
	NewServer := &Server{
		port:        cfg.Port,
		httpLog:     cfg.HttpLog,
		rootContext: rootContext,
		masterActor: masterActor,
		bootstrap:   bootstrapClient,
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return server
}
