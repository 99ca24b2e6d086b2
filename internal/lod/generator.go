package lod

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"os/exec"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

// TierParams tunes the external decimator for one output tier
type TierParams struct {
	Ratio       float64
	Error       float64
	TextureSize int
}

// Config carries generator settings
type Config struct {
	Binary    string
	CacheRoot string
	Timeout   time.Duration
	Medium    TierParams
	Low       TierParams
}

// TierResult is the produced payload for one tier. Fallback is set when the
// decimator could not run and the source bytes were substituted.
type TierResult struct {
	Data     []byte
	Fallback bool
}

// Generator produces decimated mesh tiers by shelling out to a glTF
// optimisation tool. Results are cached on disk under
// <cacheRoot>/lods/<assetId>/<tier>.glb; fallback results are never cached.
type Generator struct {
	cfg    Config
	logger logging.Logger
	group  singleflight.Group
}

// NewGenerator creates a generator and verifies the cache root is writable.
// An unusable cache root is a startup failure.
func NewGenerator(cfg Config, logger logging.Logger) (*Generator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	lodsDir := filepath.Join(cfg.CacheRoot, "lods")
	if err := os.MkdirAll(lodsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	probe := filepath.Join(lodsDir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("cache root not writable: %w", err)
	}
	_ = os.Remove(probe)

	return &Generator{cfg: cfg, logger: logger}, nil
}

// Cached returns the cached payload for one tier, if present
func (g *Generator) Cached(assetID string, tier protocol.LOD) ([]byte, bool) {
	data, err := os.ReadFile(g.cachePath(assetID, tier))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Generate produces the requested tiers from source. Concurrent calls for
// the same asset and tier set share one execution. Tool failures are not
// errors: the affected tier carries the source bytes with Fallback set.
func (g *Generator) Generate(ctx context.Context, assetID string, source []byte, tiers []protocol.LOD) map[protocol.LOD]TierResult {
	if len(tiers) == 0 {
		return nil
	}

	key := flightKey(assetID, tiers)
	ch := g.group.DoChan(key, func() (interface{}, error) {
		return g.generateAll(assetID, source, tiers), nil
	})

	// A cancelled caller stops waiting; the shared flight keeps running for
	// everyone else and still lands in the cache.
	select {
	case res := <-ch:
		return res.Val.(map[protocol.LOD]TierResult)
	case <-ctx.Done():
		results := make(map[protocol.LOD]TierResult, len(tiers))
		for _, tier := range tiers {
			results[tier] = TierResult{Data: source, Fallback: true}
		}
		return results
	}
}

func (g *Generator) generateAll(assetID string, source []byte, tiers []protocol.LOD) map[protocol.LOD]TierResult {
	results := make(map[protocol.LOD]TierResult, len(tiers))

	workDir, err := os.MkdirTemp("", "streamxr-lod-*")
	if err != nil {
		g.logger.WithError(err).WithField("asset_id", assetID).Warn("LOD workspace unavailable, serving source bytes")
		for _, tier := range tiers {
			results[tier] = TierResult{Data: source, Fallback: true}
		}
		return results
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "source.glb")
	if err := os.WriteFile(input, source, 0o644); err != nil {
		g.logger.WithError(err).WithField("asset_id", assetID).Warn("LOD input staging failed, serving source bytes")
		for _, tier := range tiers {
			results[tier] = TierResult{Data: source, Fallback: true}
		}
		return results
	}

	for _, tier := range tiers {
		if cached, ok := g.Cached(assetID, tier); ok {
			results[tier] = TierResult{Data: cached}
			continue
		}
		results[tier] = g.generateTier(assetID, input, workDir, tier, source)
	}
	return results
}

func (g *Generator) generateTier(assetID, input, workDir string, tier protocol.LOD, source []byte) TierResult {
	params, ok := g.params(tier)
	if !ok {
		g.logger.WithFields(logging.Fields{"asset_id": assetID, "lod": tier}).Warn("No decimation params for tier, serving source bytes")
		return TierResult{Data: source, Fallback: true}
	}

	// The flight outlives any single caller; generation gets its own clock.
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()

	output := filepath.Join(workDir, string(tier)+".glb")
	args := []string{
		"optimize", input, output,
		"--compress", "meshopt",
		"--simplify", strconv.FormatFloat(params.Ratio, 'f', -1, 64),
		"--simplify-error", strconv.FormatFloat(params.Error, 'f', -1, 64),
		"--texture-size", strconv.Itoa(params.TextureSize),
	}

	start := time.Now()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.cfg.Binary, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		g.logger.WithError(err).WithFields(logging.Fields{
			"asset_id": assetID,
			"lod":      tier,
			"tool":     g.cfg.Binary,
			"stderr":   tail(stderr.String(), 512),
		}).Warn("Decimator failed, serving source bytes")
		return TierResult{Data: source, Fallback: true}
	}

	data, err := os.ReadFile(output)
	if err != nil || len(data) == 0 {
		g.logger.WithError(err).WithFields(logging.Fields{"asset_id": assetID, "lod": tier}).Warn("Decimator produced no output, serving source bytes")
		return TierResult{Data: source, Fallback: true}
	}

	if err := g.writeCache(assetID, tier, data); err != nil {
		g.logger.WithError(err).WithFields(logging.Fields{"asset_id": assetID, "lod": tier}).Warn("LOD cache write failed")
	}

	g.logger.WithFields(logging.Fields{
		"asset_id": assetID,
		"lod":      tier,
		"bytes":    len(data),
		"took":     time.Since(start).Round(time.Millisecond).String(),
	}).Info("Generated LOD tier")
	return TierResult{Data: data}
}

func (g *Generator) params(tier protocol.LOD) (TierParams, bool) {
	switch tier {
	case protocol.LODMedium:
		return g.cfg.Medium, true
	case protocol.LODLow:
		return g.cfg.Low, true
	}
	return TierParams{}, false
}

func (g *Generator) cachePath(assetID string, tier protocol.LOD) string {
	return filepath.Join(g.cfg.CacheRoot, "lods", assetID, string(tier)+".glb")
}

func (g *Generator) writeCache(assetID string, tier protocol.LOD, data []byte) error {
	dir := filepath.Join(g.cfg.CacheRoot, "lods", assetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(g.cachePath(assetID, tier), data, 0o644)
}

// DropCache removes the cached tiers of one asset
func (g *Generator) DropCache(assetID string) error {
	return os.RemoveAll(filepath.Join(g.cfg.CacheRoot, "lods", assetID))
}

func flightKey(assetID string, tiers []protocol.LOD) string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	sort.Strings(names)
	return assetID + "|" + strings.Join(names, ",")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
