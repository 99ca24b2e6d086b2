package adaptive

import (
	"math"
	"sync"

	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

// Config carries the estimator tuning. Thresholds are bytes/second.
type Config struct {
	HighThreshold float64
	LowThreshold  float64
	Smoothing     float64
	MinSamples    int
}

// Estimator keeps one exponential moving average of usable bandwidth per
// client and turns it into a serving tier. Until MinSamples samples have
// been folded the estimate is treated as unknown and the decision is LOW.
type Estimator struct {
	cfg    Config
	logger logging.Logger

	mu      sync.RWMutex
	clients map[string]*clientState
}

type clientState struct {
	mu         sync.Mutex
	estimate   float64
	samples    int
	lastClient float64
	forced     *protocol.LOD
}

// NewEstimator creates an estimator with the given tuning
func NewEstimator(cfg Config, logger logging.Logger) *Estimator {
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = 0.3
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 2
	}
	return &Estimator{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*clientState),
	}
}

func (e *Estimator) state(clientID string) *clientState {
	e.mu.RLock()
	st, ok := e.clients[clientID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.clients[clientID]; ok {
		return st
	}
	st = &clientState{}
	e.clients[clientID] = st
	return st
}

func usable(bps float64) bool {
	return bps > 0 && !math.IsNaN(bps) && !math.IsInf(bps, 0)
}

// ObserveClient folds a client-reported bandwidth sample and returns the
// decision afterwards.
func (e *Estimator) ObserveClient(clientID string, bps float64) protocol.LOD {
	st := e.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !usable(bps) {
		e.logger.WithFields(logging.Fields{"client_id": clientID, "bandwidth": bps}).Debug("Ignoring unusable bandwidth report")
		return e.decideLocked(st)
	}
	st.lastClient = bps
	e.foldLocked(st, bps)
	return e.decideLocked(st)
}

// ObserveTransfer folds a server-side sample measured from a finished
// transfer. When a client report exists the two are blended equally before
// folding.
func (e *Estimator) ObserveTransfer(clientID string, bps float64) protocol.LOD {
	st := e.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !usable(bps) {
		return e.decideLocked(st)
	}
	sample := bps
	if st.lastClient > 0 {
		sample = (bps + st.lastClient) / 2
	}
	e.foldLocked(st, sample)
	return e.decideLocked(st)
}

func (e *Estimator) foldLocked(st *clientState, sample float64) {
	if st.samples == 0 {
		st.estimate = sample
	} else {
		a := e.cfg.Smoothing
		st.estimate = a*sample + (1-a)*st.estimate
	}
	st.samples++
}

// Decide returns the serving tier for a client. A forced tier always wins.
func (e *Estimator) Decide(clientID string) protocol.LOD {
	st := e.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.decideLocked(st)
}

func (e *Estimator) decideLocked(st *clientState) protocol.LOD {
	if st.forced != nil {
		return *st.forced
	}
	if st.samples < e.cfg.MinSamples {
		return protocol.LODLow
	}
	switch {
	case st.estimate >= e.cfg.HighThreshold:
		return protocol.LODHigh
	case st.estimate >= e.cfg.LowThreshold:
		return protocol.LODLow
	default:
		return protocol.LODLow
	}
}

// SetForced pins the decision to a tier; nil clears the pin
func (e *Estimator) SetForced(clientID string, tier *protocol.LOD) {
	st := e.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.forced = tier
}

// Estimate exposes the current EMA and sample count
func (e *Estimator) Estimate(clientID string) (float64, int) {
	st := e.state(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.estimate, st.samples
}

// Forget drops all state for a client
func (e *Estimator) Forget(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, clientID)
}
