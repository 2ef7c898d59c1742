package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/sdrsource/internal/dsp"
	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
	"github.com/rjboer/sdrsource/internal/stream"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit  int    `json:"historyLimit"`
	SpectrumEvery int    `json:"spectrumEvery"`
	Window        string `json:"window"`
}

const (
	minHistoryLimit  = 1
	maxHistoryLimit  = 10_000
	minSpectrumEvery = 1
	maxSpectrumEvery = 100_000
)

// MinDB replaces -Inf levels, which JSON cannot carry.
const MinDB = -200.0

func floorDB(v float64) float64 {
	if math.IsNaN(v) || v < MinDB {
		return MinDB
	}
	return v
}

func defaultConfig() Config {
	return Config{
		HistoryLimit:  500,
		SpectrumEvery: 16,
		Window:        dsp.Hann.String(),
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SpectrumEvery == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SpectrumEvery == 0 {
		cfg.SpectrumEvery = base.SpectrumEvery
	}
	if cfg.Window == "" {
		cfg.Window = base.Window
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SpectrumEvery < minSpectrumEvery || cfg.SpectrumEvery > maxSpectrumEvery {
		return Config{}, fmt.Errorf("spectrum interval must be between %d and %d chunks", minSpectrumEvery, maxSpectrumEvery)
	}
	w, err := dsp.ParseWindow(cfg.Window)
	if err != nil {
		return Config{}, err
	}
	cfg.Window = w.String()
	return cfg, nil
}

// Sample captures the levels of one pulled chunk.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session"`
	Chunk     uint64    `json:"chunk"`
	Samples   int       `json:"samples"`
	PowerDBFS float64   `json:"powerDbfs"`
	PeakDBFS  float64   `json:"peakDbfs"`
	Clipped   int       `json:"clipped"`
}

// Drop records SDK-side sample loss.
type Drop struct {
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session"`
	Dropped   uint64    `json:"dropped"`
}

// Reporter captures telemetry events.
type Reporter interface {
	Report(sample Sample)
	ReportDrop(drop Drop)
}

// Status is the receiver state published on /api/stats and /api/health.
type Status struct {
	State      string         `json:"state"`
	Device     sdr.DeviceInfo `json:"device"`
	Session    string         `json:"session"`
	CenterFreq float64        `json:"centerFreq"`
	SampleRate float64        `json:"sampleRate"`
	ChunkSize  int            `json:"chunkSize"`
	Stream     stream.Stats   `json:"stream"`
	LastChunk  time.Time      `json:"lastChunk"`
	Err        string         `json:"error,omitempty"`
}

// Hub collects history and fan-outs telemetry updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	logger       logging.Logger
	started      time.Time
	history      []Sample
	historyLimit int
	drops        uint64
	subscribers  map[chan Sample]struct{}
	config       Config
	status       Status
	spectrum     dsp.Spectrum
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		logger:       logger.With(logging.F("subsystem", "telemetry")),
		started:      time.Now(),
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
		status:       Status{State: stream.Stopped.String()},
	}
}

// Report implements Reporter and records a new telemetry sample.
func (h *Hub) Report(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	sample.PowerDBFS = floorDB(sample.PowerDBFS)
	sample.PeakDBFS = floorDB(sample.PeakDBFS)
	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	h.status.LastChunk = sample.Timestamp
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// ReportDrop implements Reporter.
func (h *Hub) ReportDrop(drop Drop) {
	h.mu.Lock()
	h.drops += drop.Dropped
	h.mu.Unlock()
}

// UpdateStatus replaces the published receiver state, keeping the time of
// the last reported chunk.
func (h *Hub) UpdateStatus(st Status) {
	h.mu.Lock()
	if st.LastChunk.IsZero() {
		st.LastChunk = h.status.LastChunk
	}
	h.status = st
	h.mu.Unlock()
}

// UpdateSpectrum publishes a new spectrum snapshot.
func (h *Hub) UpdateSpectrum(s dsp.Spectrum) {
	bins := make([]float64, len(s.Bins))
	for i, v := range s.Bins {
		bins[i] = floorDB(v)
	}
	s.Bins = bins
	s.PeakDB = floorDB(s.PeakDB)
	h.mu.Lock()
	h.spectrum = s
	h.mu.Unlock()
}

// History returns a copy of stored telemetry samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Status returns the latest receiver state.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Spectrum returns the latest spectrum snapshot.
func (h *Hub) Spectrum() dsp.Spectrum {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.spectrum
}

// Drops returns the dropped samples reported so far.
func (h *Hub) Drops() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.drops
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) Report(sample Sample) {
	for _, r := range m {
		if r != nil {
			r.Report(sample)
		}
	}
}

func (m MultiReporter) ReportDrop(drop Drop) {
	for _, r := range m {
		if r != nil {
			r.ReportDrop(drop)
		}
	}
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.History())
	}
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.ConfigSnapshot())
	}
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()
	h.logger.Info("telemetry config updated",
		logging.F("history_limit", cfg.HistoryLimit),
		logging.F("spectrum_every", cfg.SpectrumEvery),
		logging.F("window", cfg.Window),
	)

	writeJSON(w, cfg)
}

type statsResponse struct {
	Status
	DroppedReported uint64 `json:"droppedReported"`
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	h.mu.RLock()
	resp := statsResponse{Status: h.status, DroppedReported: h.drops}
	h.mu.RUnlock()
	writeJSON(w, resp)
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	s := h.Spectrum()
	if s.Frames == 0 {
		http.Error(w, "no spectrum yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s)
}

// Health is the /api/health payload.
type Health struct {
	Status  string        `json:"status"`
	State   string        `json:"state"`
	Uptime  time.Duration `json:"uptime"`
	Idle    time.Duration `json:"idle"`
	Session string        `json:"session,omitempty"`
	Err     string        `json:"error,omitempty"`
}

// staleAfter is how long a streaming receiver may go without a chunk
// before it is reported degraded.
const staleAfter = 5 * time.Second

// Health summarizes whether the receiver is delivering chunks.
func (h *Hub) Health(now time.Time) Health {
	h.mu.RLock()
	st := h.status
	started := h.started
	h.mu.RUnlock()

	out := Health{
		Status:  "ok",
		State:   st.State,
		Uptime:  now.Sub(started),
		Session: st.Session,
		Err:     st.Err,
	}
	if !st.LastChunk.IsZero() {
		out.Idle = now.Sub(st.LastChunk)
	}
	switch {
	case st.Err != "":
		out.Status = "failed"
	case st.State == stream.Streaming.String() && (st.LastChunk.IsZero() || out.Idle > staleAfter):
		out.Status = "degraded"
	}
	return out
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	hl := h.Health(time.Now())
	if hl.Status == "failed" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(hl)
		return
	}
	writeJSON(w, hl)
}

func writeEvent(w http.ResponseWriter, sample Sample) {
	payload, _ := json.Marshal(sample)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
