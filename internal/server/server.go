package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"kiln/internal/assets"
	"kiln/internal/aws"
	"kiln/internal/cache"
	"kiln/internal/config"
	"kiln/internal/database"
	"kiln/internal/processor"
	"kiln/internal/rabbitmq"
)

// BackendProbe is the health slice of the backend connector.
type BackendProbe interface {
	Health() bool
}

// Probes holds the optional infrastructure handles the health endpoint
// reports on. Nil members are omitted from the report.
type Probes struct {
	DB     database.Database
	Cache  cache.Cache
	Broker rabbitmq.Client
	Mirror aws.FileService
}

type Server struct {
	proc    *processor.Processor
	backend BackendProbe
	catalog *assets.Catalog
	probes  Probes
	config  config.Config

	// baseCtx outlives individual requests. Async submissions and requeues
	// run on it so a dropped client connection cannot cancel a background job.
	baseCtx context.Context
}

func New(ctx context.Context, cfg config.Config, proc *processor.Processor, backend BackendProbe, catalog *assets.Catalog, probes Probes) *http.Server {
	server := Server{
		proc:    proc,
		backend: backend,
		catalog: catalog,
		probes:  probes,
		config:  cfg,
		baseCtx: ctx,
	}

	// Synchronous submissions hold the response open for the whole run, so
	// the write timeout must cover the engine's job budget.
	writeTimeout := time.Duration(cfg.Engine.DefaultTimeoutMinutes)*time.Minute + time.Minute

	return &http.Server{
		Addr:         fmt.Sprintf(":%v", cfg.Port),
		Handler:      server.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}
}
