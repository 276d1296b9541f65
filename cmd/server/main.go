package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ftauth/dpop/dpop"
	"github.com/ftauth/dpop/internal/config"
	"github.com/ftauth/dpop/internal/discovery"
	dpophttp "github.com/ftauth/dpop/pkg/http"
	"github.com/ftauth/dpop/pkg/util/cors"
	"github.com/ftauth/dpop/storage"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const cleanupInterval = time.Minute

func main() {
	conf, err := config.Load(os.Getenv("DPOP_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger := conf.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeOpts := conf.StorageOptions(logger)
	store, err := storage.New(ctx, storeOpts)
	if err != nil {
		logger.WithError(err).Fatal("Error opening replay store")
	}

	validator, err := dpop.NewValidator(store, conf.ValidatorConfig(logger))
	if err != nil {
		logger.WithError(err).Fatal("Error creating validator")
	}
	middleware := dpophttp.NewMiddleware(
		validator,
		dpophttp.WithBaseURL(conf.Server.URL()),
		dpophttp.WithLogger(logger),
	)

	keys := dpop.NewKeyManager(
		dpop.WithRotationPolicy(conf.RotationPolicy()),
		dpop.WithKeyLogger(logger),
	)
	defer keys.Close()
	if _, err := keys.GenerateKeyPair(conf.DPoP.KeyAlgorithm); err != nil {
		logger.WithError(err).Fatal("Error generating server key pair")
	}
	go keys.Run(ctx)

	// Setup routing
	r := mux.NewRouter()
	r.Use(cors.Middleware)
	metadata := discovery.NewResourceMetadata(conf.Server.URL(), conf.DPoP.RequireTokenBinding)
	if err := discovery.SetupRoutes(r, metadata, keys); err != nil {
		logger.WithError(err).Fatal("Error setting up discovery")
	}
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.DPoPAuthenticated())
	api.HandleFunc("/resource", handleResource).Methods(http.MethodOptions, http.MethodGet, http.MethodPost)
	r.HandleFunc("/debug/replay", handleStats(store)).Methods(http.MethodGet)

	if !storeOpts.ManagesCleanup() {
		go runCleanup(ctx, store, logger)
	}

	addr := conf.Server.Addr()
	srv := http.Server{
		Addr:    addr,
		Handler: r,

		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Infof("Listening on %s (%s)", addr, conf.Server.URL())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	<-c

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error shutting down server: %v", err)
	}
	cancel()

	logger.Info("Closing replay store...")
	if err := store.Close(); err != nil {
		logger.Errorf("Error closing replay store: %v", err)
	}
}

func handleResource(w http.ResponseWriter, r *http.Request) {
	result, _ := dpophttp.ResultFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func handleStats(store dpop.NonceStorage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.GetUsageStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func runCleanup(ctx context.Context, store dpop.NonceStorage, logger log.FieldLogger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupExpired(ctx)
			if err != nil {
				logger.WithError(err).Warn("Replay store cleanup failed")
				continue
			}
			logger.WithField("removed", removed).Debug("Cleaned up replay store")
		}
	}
}
