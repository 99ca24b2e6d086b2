package main

import (
	"streamxr/internal/adaptive"
	"streamxr/internal/assets"
	"streamxr/internal/config"
	"streamxr/internal/foveation"
	"streamxr/internal/handlers"
	"streamxr/internal/lod"
	"streamxr/internal/metrics"
	"streamxr/internal/objects"
	"streamxr/internal/rooms"
	"streamxr/internal/websocket"
	pkgconfig "streamxr/pkg/config"
	"streamxr/pkg/logging"
	"streamxr/pkg/monitoring"
	"streamxr/pkg/server"
	"streamxr/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("streamxr")

	// Load environment variables
	pkgconfig.LoadEnv(logger)

	logger.Info("Starting StreamXR (XR asset broker)")

	cfg := config.Load()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("streamxr", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("streamxr", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		SharedObjects: metricsCollector.NewGauge("shared_objects", "Shared objects per room", []string{"room"}),
		AssetsLoaded:  metricsCollector.NewGauge("assets_loaded", "Assets resident in the catalog", []string{}),
	}
	serviceMetrics.SessionsActive, serviceMetrics.Messages, serviceMetrics.Broadcasts = metricsCollector.CreateSessionMetrics()
	serviceMetrics.StreamBytes, serviceMetrics.StreamDuration, serviceMetrics.Streams = metricsCollector.CreateStreamingMetrics()

	// LOD generation and the asset catalog. An unusable cache or asset root
	// is a startup failure.
	generator, err := lod.NewGenerator(lod.Config{
		Binary:    cfg.DecimatorBin,
		CacheRoot: cfg.CacheRoot,
		Timeout:   cfg.GenerateTimeout,
		Medium: lod.TierParams{
			Ratio:       cfg.MediumRatio,
			Error:       cfg.MediumError,
			TextureSize: cfg.MediumTextureSize,
		},
		Low: lod.TierParams{
			Ratio:       cfg.LowRatio,
			Error:       cfg.LowError,
			TextureSize: cfg.LowTextureSize,
		},
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize LOD generator")
	}

	assetManager, err := assets.NewManager(cfg.AssetRoot, generator, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize asset catalog")
	}
	serviceMetrics.AssetsLoaded.WithLabelValues().Set(float64(len(assetManager.List())))

	// Per-session service state
	estimator := adaptive.NewEstimator(adaptive.Config{
		HighThreshold: cfg.HighThreshold,
		LowThreshold:  cfg.LowThreshold,
		Smoothing:     cfg.SmoothingFactor,
		MinSamples:    cfg.MinSamples,
	}, logger)
	tracker := foveation.NewTracker()
	roomRegistry := rooms.NewRegistry(cfg.DefaultRoom)
	objectRegistry := objects.NewRegistry(cfg.OwnershipTimeout, logger)

	// WebSocket hub and HTTP handlers
	hub := websocket.NewHub(&cfg, assetManager, estimator, tracker, roomRegistry, objectRegistry, serviceMetrics, logger)
	streamHandlers := handlers.NewStreamXRHandlers(hub, assetManager, serviceMetrics, logger)

	// Add health checks
	healthChecker.AddCheck("asset_root", monitoring.DirectoryReadableCheck("asset root", cfg.AssetRoot))
	healthChecker.AddCheck("lod_cache", monitoring.DirectoryWritableCheck("LOD cache", cfg.CacheRoot))
	healthChecker.AddCheck("decimator", monitoring.ExternalToolCheck(cfg.DecimatorBin))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"ASSET_ROOT": cfg.AssetRoot,
		"CACHE_ROOT": cfg.CacheRoot,
		"LOD_TOOL":   cfg.DecimatorBin,
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "streamxr", healthChecker, metricsCollector)

	// Session route
	router.GET("/ws", streamHandlers.HandleWebSocket)

	// Asset administration routes
	api := router.Group("/api")
	api.POST("/assets/upload", streamHandlers.HandleUploadAsset)
	api.GET("/assets", streamHandlers.HandleListAssets)
	api.GET("/assets/:assetId", streamHandlers.HandleGetAsset)
	api.DELETE("/assets/:assetId", streamHandlers.HandleDeleteAsset)

	router.NoRoute(streamHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("streamxr", "8090")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
