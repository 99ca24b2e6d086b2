package websocket

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

// nerfThrottleEvery is the chunk interval for the optional client-requested
// throttle; a 1 ms pause is inserted after every such interval.
const nerfThrottleEvery = 10

// streamAsset resolves the effective LOD and pushes the mesh as a metadata
// frame, header+binary chunk pairs and a completion frame. It runs on its
// own goroutine; streamMu keeps transfers from interleaving on the wire.
func (s *Session) streamAsset(req protocol.RequestAsset) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	tier, skip, reason := s.resolveTier(req)
	if skip {
		s.sendJSON(protocol.TypeAssetSkipped, protocol.AssetSkipped{
			Type:    protocol.TypeAssetSkipped,
			AssetID: req.AssetID,
			Reason:  reason,
		})
		s.hub.metrics.Streams.WithLabelValues("asset", "skipped").Inc()
		return
	}

	start := time.Now()
	data, actual, err := s.hub.assets.Get(s.ctx, req.AssetID, tier)
	if err != nil {
		s.sendJSON(protocol.TypeAssetError, protocol.AssetError{
			Type:    protocol.TypeAssetError,
			AssetID: req.AssetID,
			Error:   err.Error(),
		})
		s.hub.metrics.Streams.WithLabelValues("asset", "error").Inc()
		return
	}

	chunkSize := s.hub.cfg.ChunkSize
	chunks := protocol.ChunkCount(len(data), chunkSize)

	if !s.enqueueJSON(protocol.TypeAssetMetadata, protocol.AssetMetadata{
		Type:    protocol.TypeAssetMetadata,
		AssetID: req.AssetID,
		LOD:     actual,
		Size:    len(data),
		Chunks:  chunks,
	}) {
		return
	}

	for i := 0; i < chunks; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		header, err := json.Marshal(protocol.AssetChunkHeader{
			Type:        protocol.TypeAssetChunk,
			AssetID:     req.AssetID,
			ChunkIndex:  i,
			TotalChunks: chunks,
		})
		if err != nil {
			s.hub.logger.WithError(err).Error("Failed to marshal chunk header")
			return
		}
		if !s.enqueue(frame{kind: protocol.TypeAssetChunk, text: header, binary: data[lo:hi]}) {
			s.hub.metrics.Streams.WithLabelValues("asset", "aborted").Inc()
			return
		}
	}

	if !s.enqueueJSON(protocol.TypeAssetComplete, protocol.AssetComplete{
		Type:    protocol.TypeAssetComplete,
		AssetID: req.AssetID,
	}) {
		return
	}

	elapsed := time.Since(start)
	s.hub.metrics.StreamBytes.WithLabelValues("asset", string(actual)).Add(float64(len(data)))
	s.hub.metrics.StreamDuration.WithLabelValues("asset").Observe(elapsed.Seconds())
	s.hub.metrics.Streams.WithLabelValues("asset", "complete").Inc()

	s.hub.logger.WithFields(logging.Fields{
		"client_id": s.ID,
		"asset_id":  req.AssetID,
		"lod":       actual,
		"bytes":     len(data),
		"chunks":    chunks,
	}).Debug("Asset transfer complete")

	s.feedTransferSample(len(data), elapsed)
}

// resolveTier picks the LOD for a request: an explicit tier wins, then the
// foveated selector when both a pose and an asset position are known, then
// the bandwidth estimate.
func (s *Session) resolveTier(req protocol.RequestAsset) (protocol.LOD, bool, string) {
	if req.LOD != "" {
		if tier, ok := protocol.ParseLOD(req.LOD); ok {
			return tier, false, ""
		}
		s.hub.logger.WithFields(logging.Fields{
			"client_id": s.ID,
			"lod":       req.LOD,
		}).Debug("Ignoring invalid explicit LOD")
	}

	if req.Position != nil {
		if sel, ok := s.hub.tracker.Select(s.ID, *req.Position); ok {
			if sel.Skip {
				reason := fmt.Sprintf("outside view (angle %.0f deg, distance %.1f)", sel.Angle, sel.Distance)
				return "", true, reason
			}
			return sel.Tier, false, ""
		}
	}

	return s.hub.estimator.Decide(s.ID), false, ""
}

// feedTransferSample turns a finished transfer into a server-side bandwidth
// sample and tells the client what tier that implies.
func (s *Session) feedTransferSample(size int, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	tier := s.hub.estimator.ObserveTransfer(s.ID, float64(size)/float64(ms)*1000)
	s.sendJSON(protocol.TypeLODRecommendation, protocol.LODRecommendation{
		Type: protocol.TypeLODRecommendation,
		LOD:  tier,
	})
}

// streamNeRF pushes a Gaussian-splat payload with the same chunked protocol
// as meshes, plus offsets so the client can assemble out of a sparse buffer.
func (s *Session) streamNeRF(req protocol.RequestNeRF) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	start := time.Now()
	data, format, err := s.hub.assets.GetNeRF(req.AssetID)
	if err != nil {
		s.sendJSON(protocol.TypeNeRFError, protocol.NeRFError{
			Type:    protocol.TypeNeRFError,
			AssetID: req.AssetID,
			Error:   err.Error(),
		})
		s.hub.metrics.Streams.WithLabelValues("nerf", "error").Inc()
		return
	}

	chunkSize := s.hub.cfg.ChunkSize
	chunks := protocol.ChunkCount(len(data), chunkSize)

	meta := protocol.NeRFMetadata{
		Type:    protocol.TypeNeRFMetadata,
		AssetID: req.AssetID,
		Format:  format,
		Size:    len(data),
		Chunks:  chunks,
	}
	if format == protocol.NeRFFormatSplat {
		meta.SplatCount = len(data) / protocol.SplatRecordSize
		meta.BoundingBox = splatBounds(data)
	}
	if !s.enqueueJSON(protocol.TypeNeRFMetadata, meta) {
		return
	}

	throttle := req.Options != nil && req.Options.Throttle
	for i := 0; i < chunks; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		header, err := json.Marshal(protocol.NeRFChunkHeader{
			Type:        protocol.TypeNeRFChunk,
			AssetID:     req.AssetID,
			ChunkIndex:  i,
			TotalChunks: chunks,
			Offset:      lo,
			Size:        hi - lo,
		})
		if err != nil {
			s.hub.logger.WithError(err).Error("Failed to marshal chunk header")
			return
		}
		if !s.enqueue(frame{kind: protocol.TypeNeRFChunk, text: header, binary: data[lo:hi]}) {
			s.hub.metrics.Streams.WithLabelValues("nerf", "aborted").Inc()
			return
		}
		if throttle && (i+1)%nerfThrottleEvery == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	if !s.enqueueJSON(protocol.TypeNeRFComplete, protocol.NeRFComplete{
		Type:              protocol.TypeNeRFComplete,
		AssetID:           req.AssetID,
		TotalSize:         len(data),
		ChunksTransferred: chunks,
	}) {
		return
	}

	elapsed := time.Since(start)
	s.hub.metrics.StreamBytes.WithLabelValues("nerf", "").Add(float64(len(data)))
	s.hub.metrics.StreamDuration.WithLabelValues("nerf").Observe(elapsed.Seconds())
	s.hub.metrics.Streams.WithLabelValues("nerf", "complete").Inc()

	s.hub.logger.WithFields(logging.Fields{
		"client_id": s.ID,
		"asset_id":  req.AssetID,
		"format":    format,
		"bytes":     len(data),
		"chunks":    chunks,
		"throttled": throttle,
	}).Debug("NeRF transfer complete")

	s.feedTransferSample(len(data), elapsed)
}

// enqueueJSON marshals a control frame and queues it with backpressure
func (s *Session) enqueueJSON(kind string, msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.hub.logger.WithError(err).WithField("kind", kind).Error("Failed to marshal stream frame")
		return false
	}
	return s.enqueue(frame{kind: kind, text: data})
}

// splatBounds scans the fixed-width records of a raw .splat payload for the
// axis-aligned extent of the point cloud. Each record opens with three
// float32 world coordinates.
func splatBounds(data []byte) *protocol.BoundingBox {
	records := len(data) / protocol.SplatRecordSize
	if records == 0 {
		return nil
	}

	box := &protocol.BoundingBox{
		Min: [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)},
		Max: [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
	for rec := 0; rec < records; rec++ {
		base := rec * protocol.SplatRecordSize
		for axis := 0; axis < 3; axis++ {
			v := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[base+4*axis:])))
			if v < box.Min[axis] {
				box.Min[axis] = v
			}
			if v > box.Max[axis] {
				box.Max[axis] = v
			}
		}
	}
	return box
}
