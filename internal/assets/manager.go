package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"streamxr/internal/lod"
	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

var (
	// ErrNotFound marks lookups for assets the catalog does not hold
	ErrNotFound = errors.New("asset not found")
	// ErrNoNeRF marks splat requests against mesh-only assets
	ErrNoNeRF = errors.New("asset has no nerf payload")
	// ErrInvalidID marks asset ids that cannot name a directory
	ErrInvalidID = errors.New("invalid asset id")
)

// Asset is one catalog entry, fully resident in memory
type Asset struct {
	ID         string
	Tiers      map[protocol.LOD][]byte
	NeRF       []byte
	NeRFFormat protocol.NeRFFormat
}

// Manager owns the in-memory asset catalog. The asset root is scanned once
// at construction; afterwards only Upload and Remove mutate the catalog.
type Manager struct {
	root   string
	gen    *lod.Generator
	logger logging.Logger

	mu      sync.RWMutex
	assets  map[string]*Asset
	pending map[string]chan struct{}
}

var nerfFormats = []protocol.NeRFFormat{
	protocol.NeRFFormatSplat,
	protocol.NeRFFormatPLY,
	protocol.NeRFFormatKSplat,
}

// NewManager scans the asset root and materialises every discovered asset,
// generating missing MEDIUM/LOW tiers from HIGH sources. A missing or
// unreadable asset root is a startup failure.
func NewManager(root string, gen *lod.Generator, logger logging.Logger) (*Manager, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("asset root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("asset root %s is not a directory", root)
	}

	m := &Manager{
		root:    root,
		gen:     gen,
		logger:  logger,
		assets:  make(map[string]*Asset),
		pending: make(map[string]chan struct{}),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan asset root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		asset := m.loadAssetDir(id)
		if asset == nil {
			continue
		}
		m.ensureTiers(asset)
		m.assets[id] = asset
		logger.WithFields(logging.Fields{
			"asset_id": id,
			"lods":     tierNames(asset),
			"nerf":     asset.NeRF != nil,
		}).Info("Loaded asset")
	}

	logger.WithField("count", len(m.assets)).Info("Asset catalog ready")
	return m, nil
}

// loadAssetDir reads one asset directory. Returns nil when the directory
// holds no valid mesh tier: an asset exists only with at least one LOD.
func (m *Manager) loadAssetDir(id string) *Asset {
	dir := filepath.Join(m.root, id)
	asset := &Asset{ID: id, Tiers: make(map[protocol.LOD][]byte)}

	for _, tier := range []protocol.LOD{protocol.LODHigh, protocol.LODMedium, protocol.LODLow} {
		path := filepath.Join(dir, string(tier)+".glb")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.WithError(err).WithField("path", path).Warn("Unreadable tier file")
			}
			continue
		}
		if err := ValidateGLB(data); err != nil {
			m.logger.WithError(err).WithFields(logging.Fields{"asset_id": id, "lod": tier}).Warn("Skipping invalid mesh container")
			continue
		}
		asset.Tiers[tier] = data
	}

	for _, format := range nerfFormats {
		path := filepath.Join(dir, "nerf."+string(format))
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		asset.NeRF = data
		asset.NeRFFormat = format
		break
	}

	if len(asset.Tiers) == 0 {
		m.logger.WithField("asset_id", id).Warn("Skipping directory without any valid mesh tier")
		return nil
	}
	return asset
}

// ensureTiers fills missing MEDIUM/LOW tiers from the HIGH source, cache
// first. Fallback output is served per-request and never stored; a tier the
// tool could not produce stays absent.
func (m *Manager) ensureTiers(asset *Asset) {
	source, ok := asset.Tiers[protocol.LODHigh]
	if !ok {
		return
	}

	var missing []protocol.LOD
	for _, tier := range []protocol.LOD{protocol.LODMedium, protocol.LODLow} {
		if _, ok := asset.Tiers[tier]; ok {
			continue
		}
		if cached, ok := m.gen.Cached(asset.ID, tier); ok && ValidateGLB(cached) == nil {
			asset.Tiers[tier] = cached
			m.writeTierFile(asset.ID, tier, cached)
			continue
		}
		missing = append(missing, tier)
	}
	if len(missing) == 0 {
		return
	}

	results := m.gen.Generate(context.Background(), asset.ID, source, missing)
	m.adoptGenerated(asset, results)
}

// adoptGenerated keeps only real, well-formed decimator output. Fallback
// results are served per-request and never stored.
func (m *Manager) adoptGenerated(asset *Asset, results map[protocol.LOD]lod.TierResult) {
	for tier, res := range results {
		if res.Fallback {
			continue
		}
		if err := ValidateGLB(res.Data); err != nil {
			m.logger.WithError(err).WithFields(logging.Fields{"asset_id": asset.ID, "lod": tier}).Warn("Decimator produced invalid container")
			continue
		}
		asset.Tiers[tier] = res.Data
		m.writeTierFile(asset.ID, tier, res.Data)
	}
}

func (m *Manager) writeTierFile(id string, tier protocol.LOD, data []byte) {
	path := filepath.Join(m.root, id, string(tier)+".glb")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{"asset_id": id, "lod": tier}).Warn("Could not persist generated tier")
	}
}

// Get returns the payload for the requested tier, falling back to the
// next-higher then next-lower tier. The returned LOD is the tier actually
// served. A request racing an in-flight upload of the same asset waits for
// the upload to land.
func (m *Manager) Get(ctx context.Context, assetID string, tier protocol.LOD) ([]byte, protocol.LOD, error) {
	for {
		m.mu.RLock()
		asset, ok := m.assets[assetID]
		wait := m.pending[assetID]
		m.mu.RUnlock()

		if ok {
			for _, candidate := range tier.FallbackOrder() {
				if data, ok := asset.Tiers[candidate]; ok {
					return data, candidate, nil
				}
			}
			return nil, "", fmt.Errorf("%w: %s has no mesh tiers", ErrNotFound, assetID)
		}
		if wait == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, assetID)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// GetNeRF returns the splat payload and its container format
func (m *Manager) GetNeRF(assetID string) ([]byte, protocol.NeRFFormat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	asset, ok := m.assets[assetID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, assetID)
	}
	if asset.NeRF == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNoNeRF, assetID)
	}
	return asset.NeRF, asset.NeRFFormat, nil
}

// List returns catalog summaries sorted by asset id
func (m *Manager) List() []protocol.AssetInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]protocol.AssetInfo, 0, len(m.assets))
	for _, asset := range m.assets {
		infos = append(infos, describe(asset))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Info returns the catalog summary for one asset
func (m *Manager) Info(assetID string) (protocol.AssetInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	asset, ok := m.assets[assetID]
	if !ok {
		return protocol.AssetInfo{}, false
	}
	return describe(asset), true
}

// Upload validates a GLB payload, persists it as the HIGH tier, generates
// the remaining tiers and atomically swaps the catalog entry. It returns
// only after generation has finished, so a successful response means every
// producible tier is servable.
func (m *Manager) Upload(ctx context.Context, assetID string, data []byte) (protocol.AssetInfo, error) {
	if err := validateID(assetID); err != nil {
		return protocol.AssetInfo{}, err
	}
	if err := ValidateGLB(data); err != nil {
		return protocol.AssetInfo{}, err
	}

	// Serialise uploads per asset and make concurrent Gets wait for the
	// entry instead of reporting not-found.
	var done chan struct{}
	for {
		m.mu.Lock()
		wait, busy := m.pending[assetID]
		if !busy {
			done = make(chan struct{})
			m.pending[assetID] = done
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return protocol.AssetInfo{}, ctx.Err()
		}
	}

	defer func() {
		m.mu.Lock()
		delete(m.pending, assetID)
		m.mu.Unlock()
		close(done)
	}()

	dir := filepath.Join(m.root, assetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return protocol.AssetInfo{}, fmt.Errorf("create asset dir: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, "high.glb"), data, 0o644); err != nil {
		return protocol.AssetInfo{}, fmt.Errorf("persist source: %w", err)
	}

	// A replaced asset invalidates whatever the cache held for it.
	if err := m.gen.DropCache(assetID); err != nil {
		m.logger.WithError(err).WithField("asset_id", assetID).Warn("Could not drop stale LOD cache")
	}

	asset := &Asset{ID: assetID, Tiers: map[protocol.LOD][]byte{protocol.LODHigh: data}}

	results := m.gen.Generate(ctx, assetID, data, []protocol.LOD{protocol.LODMedium, protocol.LODLow})
	m.adoptGenerated(asset, results)

	// Keep an existing splat payload across mesh re-uploads.
	m.mu.Lock()
	if prev, ok := m.assets[assetID]; ok {
		asset.NeRF = prev.NeRF
		asset.NeRFFormat = prev.NeRFFormat
	}
	m.assets[assetID] = asset
	m.mu.Unlock()

	m.logger.WithFields(logging.Fields{
		"asset_id": assetID,
		"lods":     tierNames(asset),
		"size":     len(data),
	}).Info("Asset uploaded")
	return describe(asset), nil
}

// Remove drops the catalog entry and its cached tiers. Files under the
// asset root stay behind.
func (m *Manager) Remove(assetID string) error {
	m.mu.Lock()
	_, ok := m.assets[assetID]
	delete(m.assets, assetID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, assetID)
	}
	if err := m.gen.DropCache(assetID); err != nil {
		m.logger.WithError(err).WithField("asset_id", assetID).Warn("Could not drop LOD cache")
	}
	m.logger.WithField("asset_id", assetID).Info("Asset removed")
	return nil
}

func describe(asset *Asset) protocol.AssetInfo {
	info := protocol.AssetInfo{
		ID:      asset.ID,
		LODs:    tierNames(asset),
		HasNeRF: asset.NeRF != nil,
		Sizes:   make(map[string]int64, len(asset.Tiers)+1),
	}
	for tier, data := range asset.Tiers {
		info.Sizes[string(tier)] = int64(len(data))
	}
	if asset.NeRF != nil {
		info.Sizes["nerf"] = int64(len(asset.NeRF))
	}
	return info
}

func tierNames(asset *Asset) []protocol.LOD {
	names := make([]protocol.LOD, 0, len(asset.Tiers))
	for _, tier := range []protocol.LOD{protocol.LODHigh, protocol.LODMedium, protocol.LODLow} {
		if _, ok := asset.Tiers[tier]; ok {
			names = append(names, tier)
		}
	}
	return names
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
