package app

import (
	"context"
	"fmt"
	"os"

	"github.com/clinext/extraction-engine/internal/orchestrator"
	"github.com/clinext/extraction-engine/internal/platform/logger"
	"github.com/clinext/extraction-engine/internal/platform/neo4jdb"
	"github.com/clinext/extraction-engine/internal/platform/ontology"
	"github.com/clinext/extraction-engine/internal/platform/vectorindex"
	"github.com/clinext/extraction-engine/internal/preferences"
	"github.com/clinext/extraction-engine/internal/publisher"

	"github.com/clinext/extraction-engine/internal/platform/llm"
)

// App wires every dependency the Engine needs via an explicit
// New()-constructor style, with no DI framework.
type App struct {
	Log    *logger.Logger
	Cfg    Config
	Engine *orchestrator.Engine
	Hub    *publisher.Hub
	Bus    publisher.Bus
	neo4j  *neo4jdb.Client
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration")
	cfg := LoadConfig(log)

	vectorIndex, err := vectorindex.NewFromEnv(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init vector index: %w", err)
	}

	llmClient, err := llm.NewFromEnv(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init llm client: %w", err)
	}

	neo4jClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init neo4j: %w", err)
	}
	var ontologyClient ontology.Client
	if neo4jClient != nil {
		ontologyClient = ontology.NewClient(neo4jClient, log, cfg.Orchestrator.NMax)
	} else {
		log.Warn("NEO4J_URI not set: ontology resolution disabled, sections will rely on doctor preferences and LLM-supplied mappings only")
	}

	prefStore, err := preferences.NewFromEnv(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init preference store: %w", err)
	}

	hub := publisher.NewHub(log)
	var bus publisher.Bus
	sink := publisher.Sink(publisher.HubSink{Hub: hub})
	if os.Getenv("REDIS_PUBLICATION_CHANNEL") != "" || os.Getenv("PUBLISH_VIA_BUS") != "" {
		bus, err = publisher.NewBusFromEnv(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init publication bus: %w", err)
		}
		sink = publisher.BusSink{Bus: bus}
	}
	pub := publisher.New(log, sink)

	engine := orchestrator.New(log, cfg.Orchestrator, vectorIndex, ontologyClient, llmClient, prefStore, pub)

	return &App{
		Log:    log,
		Cfg:    cfg,
		Engine: engine,
		Hub:    hub,
		Bus:    bus,
		neo4j:  neo4jClient,
	}, nil
}

// Close releases every held resource. Safe to call on a nil App.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.neo4j != nil {
		_ = a.neo4j.Close(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
