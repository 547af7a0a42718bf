package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/freightmdm/internal/api"
	"github.com/rpattn/freightmdm/internal/config"
	"github.com/rpattn/freightmdm/internal/db"
	"github.com/rpattn/freightmdm/internal/engine"
	"github.com/rpattn/freightmdm/internal/export"
	"github.com/rpattn/freightmdm/internal/middleware"
	"github.com/rpattn/freightmdm/internal/notify"
	"github.com/rpattn/freightmdm/internal/query"
	"github.com/rpattn/freightmdm/internal/repository"

	"github.com/rs/cors"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	stores, cleanup, err := buildStores(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up backing store: %v", err)
	}
	defer cleanup()

	var publisher notify.Publisher
	if cfg.Kafka.Enabled {
		producer := notify.NewKafkaProducer(cfg.Kafka.Broker, cfg.Kafka.Topic)
		defer producer.Close()
		publisher = producer
		log.Printf("[NOTIFY] publishing changes to %s topic %s", cfg.Kafka.Broker, cfg.Kafka.Topic)
	}

	engines := make(map[string]*engine.Engine, len(stores))
	queries := make(map[string]*query.PointInTime, len(stores))
	for entityType, store := range stores {
		eng := engine.New(store)
		q := query.New(eng, cfg.Cache.Size, cfg.Cache.TTL)

		eng.AddHook(q.InvalidationHook())
		if publisher != nil {
			eng.AddHook(notify.AuditHook(publisher, entityType))
		}

		engines[entityType] = eng
		queries[entityType] = q
	}

	var exportOpts []export.Option
	if cfg.ExportDir != "" {
		exportOpts = append(exportOpts, export.WithExportDirectory(cfg.ExportDir))
	}
	exporter := export.NewService(queries, exportOpts...)

	handler := api.NewHandler(engines, queries, exporter)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	http.Handle("/v1/", corsHandler.Handler(middleware.LoggingMiddleware(handler)))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting master-data server on %s", cfg.Server.Addr)
		log.Printf("Registered entity types: %v", cfg.EntityTypes)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// buildStores constructs one type-bound store handle per configured entity
// type over the selected backend.
func buildStores(ctx context.Context, cfg config.Config) (map[string]repository.Store, func(), error) {
	stores := make(map[string]repository.Store, len(cfg.EntityTypes))

	switch cfg.Backend {
	case "postgres":
		if err := db.RunMigrations(cfg.Database); err != nil {
			return nil, nil, err
		}
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		for _, entityType := range cfg.EntityTypes {
			stores[entityType] = repository.NewPostgresStore(conn.Pool, entityType)
		}
		return stores, conn.Close, nil

	case "sqlite":
		sqliteDB, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		for _, entityType := range cfg.EntityTypes {
			stores[entityType] = sqliteDB.Store(entityType)
		}
		return stores, func() {
			if err := sqliteDB.Close(); err != nil {
				log.Printf("[DB] failed to close sqlite store: %v", err)
			}
		}, nil

	default: // memory
		for _, entityType := range cfg.EntityTypes {
			stores[entityType] = repository.NewMemoryStore(entityType)
		}
		return stores, func() {}, nil
	}
}
