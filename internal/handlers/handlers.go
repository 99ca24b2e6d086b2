package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"streamxr/internal/assets"
	"streamxr/internal/metrics"
	"streamxr/internal/websocket"
	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

// UploadResponse is the reply to a successful asset upload
type UploadResponse struct {
	Success   bool             `json:"success"`
	AssetID   string           `json:"assetId"`
	LODLevels []protocol.LOD   `json:"lodLevels"`
	Sizes     map[string]int64 `json:"sizes"`
}

// ListResponse wraps the asset catalog
type ListResponse struct {
	Assets []protocol.AssetInfo `json:"assets"`
}

// DeleteResponse is the reply to a successful asset removal
type DeleteResponse struct {
	Success bool   `json:"success"`
	AssetID string `json:"assetId"`
}

// StreamXRHandlers contains the HTTP handlers for the service
type StreamXRHandlers struct {
	hub     *websocket.Hub
	assets  *assets.Manager
	metrics *metrics.Metrics
	logger  logging.Logger
}

// NewStreamXRHandlers creates a new handlers instance
func NewStreamXRHandlers(hub *websocket.Hub, manager *assets.Manager, serviceMetrics *metrics.Metrics, logger logging.Logger) *StreamXRHandlers {
	return &StreamXRHandlers{
		hub:     hub,
		assets:  manager,
		metrics: serviceMetrics,
		logger:  logger,
	}
}

// HandleWebSocket upgrades the request into a streaming session
func (h *StreamXRHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleUploadAsset ingests a raw GLB body as the HIGH tier of an asset.
// The reply is sent only after LOD generation finished, so a 200 means
// every producible tier is immediately servable.
func (h *StreamXRHandlers) HandleUploadAsset(c *gin.Context) {
	assetID := c.Query("assetId")
	if assetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assetId query parameter is required"})
		return
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is empty"})
		return
	}

	info, err := h.assets.Upload(c.Request.Context(), assetID, data)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, assets.ErrInvalidID) || errors.Is(err, assets.ErrInvalidGLB) {
			status = http.StatusBadRequest
		}
		h.logger.WithError(err).WithField("asset_id", assetID).Warn("Asset upload rejected")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.syncAssetGauge()
	h.hub.BroadcastAll(protocol.TypeAssetUploaded, protocol.AssetUploaded{
		Type:      protocol.TypeAssetUploaded,
		AssetID:   info.ID,
		LODLevels: info.LODs,
	})

	c.JSON(http.StatusOK, UploadResponse{
		Success:   true,
		AssetID:   info.ID,
		LODLevels: info.LODs,
		Sizes:     info.Sizes,
	})
}

// HandleListAssets returns the asset catalog
func (h *StreamXRHandlers) HandleListAssets(c *gin.Context) {
	c.JSON(http.StatusOK, ListResponse{Assets: h.assets.List()})
}

// HandleGetAsset returns one catalog entry
func (h *StreamXRHandlers) HandleGetAsset(c *gin.Context) {
	info, ok := h.assets.Info(c.Param("assetId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleDeleteAsset drops a catalog entry and notifies every session
func (h *StreamXRHandlers) HandleDeleteAsset(c *gin.Context) {
	assetID := c.Param("assetId")
	if err := h.assets.Remove(assetID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	h.syncAssetGauge()
	h.hub.BroadcastAll(protocol.TypeAssetRemoved, protocol.AssetRemoved{
		Type:    protocol.TypeAssetRemoved,
		AssetID: assetID,
	})

	c.JSON(http.StatusOK, DeleteResponse{Success: true, AssetID: assetID})
}

// HandleNotFound provides a custom 404 handler
func (h *StreamXRHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Endpoint not found",
	})
}

// syncAssetGauge keeps the catalog-size gauge aligned after mutations
func (h *StreamXRHandlers) syncAssetGauge() {
	h.metrics.AssetsLoaded.WithLabelValues().Set(float64(len(h.assets.List())))
}
