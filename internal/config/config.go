package config

import (
	"time"

	pkgconfig "streamxr/pkg/config"
)

// Config carries every tunable of the broker. Defaults match the values the
// reference clients were built against; override via environment.
type Config struct {
	// Asset storage
	AssetRoot string
	CacheRoot string

	// LOD generation
	DecimatorBin      string
	GenerateTimeout   time.Duration
	MediumRatio       float64
	LowRatio          float64
	MediumError       float64
	LowError          float64
	MediumTextureSize int
	LowTextureSize    int

	// Streaming
	ChunkSize int

	// Adaptive estimation (bytes/second)
	HighThreshold   float64
	LowThreshold    float64
	SmoothingFactor float64
	MinSamples      int

	// Shared objects
	OwnershipTimeout time.Duration

	// Sessions
	MaxSessions int
	DefaultRoom string
}

func Load() Config {
	return Config{
		AssetRoot: pkgconfig.GetEnv("ASSET_ROOT", "./assets"),
		CacheRoot: pkgconfig.GetEnv("CACHE_ROOT", "./cache"),

		DecimatorBin:      pkgconfig.GetEnv("LOD_TOOL", "gltf-transform"),
		GenerateTimeout:   pkgconfig.GetEnvDuration("LOD_TIMEOUT", 2*time.Minute),
		MediumRatio:       pkgconfig.GetEnvFloat("LOD_MEDIUM_RATIO", 0.5),
		LowRatio:          pkgconfig.GetEnvFloat("LOD_LOW_RATIO", 0.1),
		MediumError:       pkgconfig.GetEnvFloat("LOD_MEDIUM_ERROR", 0.0005),
		LowError:          pkgconfig.GetEnvFloat("LOD_LOW_ERROR", 0.001),
		MediumTextureSize: pkgconfig.GetEnvInt("LOD_MEDIUM_TEXTURE", 512),
		LowTextureSize:    pkgconfig.GetEnvInt("LOD_LOW_TEXTURE", 256),

		ChunkSize: pkgconfig.GetEnvInt("CHUNK_SIZE", 16384),

		HighThreshold:   pkgconfig.GetEnvFloat("HIGH_THRESHOLD", 500000),
		LowThreshold:    pkgconfig.GetEnvFloat("LOW_THRESHOLD", 100000),
		SmoothingFactor: pkgconfig.GetEnvFloat("SMOOTHING_FACTOR", 0.3),
		MinSamples:      pkgconfig.GetEnvInt("MIN_SAMPLES", 2),

		OwnershipTimeout: pkgconfig.GetEnvDuration("OWNERSHIP_TIMEOUT", 5*time.Second),

		MaxSessions: pkgconfig.GetEnvInt("MAX_SESSIONS", 64),
		DefaultRoom: pkgconfig.GetEnv("DEFAULT_ROOM", "default"),
	}
}
