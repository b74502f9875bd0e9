package scan

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/platform/paths"
)

// HistoryEntry summarizes one finished scan for the rolling history the
// network analysis and the API feed from.
type HistoryEntry struct {
	ScanID       string    `json:"scan_id"`
	StartIP      string    `json:"start_ip"`
	EndIP        string    `json:"end_ip"`
	Ports        []int     `json:"ports"`
	Methods      []Method  `json:"methods"`
	State        JobState  `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	Duration     float64   `json:"duration_seconds"`
	HostsProbed  int       `json:"hosts_probed"`
	CamerasFound int       `json:"cameras_found"`
	Cached       bool      `json:"cached,omitempty"`
}

func summarize(res *Result, state JobState, cached bool) HistoryEntry {
	return HistoryEntry{
		ScanID:       res.ScanID,
		StartIP:      res.Range.StartIP,
		EndIP:        res.Range.EndIP,
		Ports:        res.Range.EffectivePorts(),
		Methods:      res.Methods,
		State:        state,
		StartedAt:    res.StartedAt,
		Duration:     res.Duration.Seconds(),
		HostsProbed:  len(res.Hosts),
		CamerasFound: res.CamerasFound,
		Cached:       cached,
	}
}

// history is the append-only log of finished scans, trimmed by age.
type history struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func (h *history) add(entry HistoryEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
}

// trim drops entries that started before the cutoff and reports how
// many were removed.
func (h *history) trim(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.entries[:0]
	for _, entry := range h.entries {
		if entry.StartedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(h.entries) - len(kept)
	h.entries = kept
	return removed
}

// list returns the most recent entries, newest first.
func (h *history) list(limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// saveState serializes cache, history and analysis to their files under
// the data directory. Failures are logged, never fatal: scan state is a
// convenience across restarts, not a source of truth.
func saveState(layout paths.Layout, cache *resultCache, hist *history, analysis *NetworkAnalysis, logger zerolog.Logger) {
	writeJSON(layout.ScanCacheFile(), cache.snapshot(), logger)

	hist.mu.Lock()
	entries := append([]HistoryEntry(nil), hist.entries...)
	hist.mu.Unlock()
	writeJSON(layout.ScanHistoryFile(), entries, logger)

	analysis.mu.Lock()
	report := struct {
		TotalScans int            `json:"total_scans"`
		Networks   map[string]int `json:"networks"`
		Ports      map[int]int    `json:"ports"`
		Protocols  map[string]int `json:"protocols"`
		UpdatedAt  time.Time      `json:"updated_at"`
	}{analysis.TotalScans, analysis.Networks, analysis.Ports, analysis.Protocols, analysis.UpdatedAt}
	analysis.mu.Unlock()
	writeJSON(layout.NetworkAnalysisFile(), report, logger)
}

// loadState rehydrates persisted scan state. Missing files mean a fresh
// start; corrupt entries are skipped one by one rather than discarding
// the whole file.
func loadState(layout paths.Layout, cache *resultCache, hist *history, analysis *NetworkAnalysis, logger zerolog.Logger) {
	var rawCache []json.RawMessage
	if readJSON(layout.ScanCacheFile(), &rawCache, logger) {
		entries := make([]cacheEntry, 0, len(rawCache))
		for _, raw := range rawCache {
			var entry cacheEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				logger.Warn().Err(err).Msg("skipping corrupt scan cache entry")
				continue
			}
			entries = append(entries, entry)
		}
		restored := cache.restore(entries, time.Now())
		logger.Debug().Int("entries", restored).Msg("scan cache rehydrated")
	}

	var rawHistory []json.RawMessage
	if readJSON(layout.ScanHistoryFile(), &rawHistory, logger) {
		for _, raw := range rawHistory {
			var entry HistoryEntry
			if err := json.Unmarshal(raw, &entry); err != nil || entry.ScanID == "" {
				logger.Warn().Msg("skipping corrupt scan history entry")
				continue
			}
			hist.add(entry)
		}
		logger.Debug().Int("entries", hist.len()).Msg("scan history rehydrated")
	}

	restored := NewNetworkAnalysis()
	if readJSON(layout.NetworkAnalysisFile(), restored, logger) {
		analysis.mu.Lock()
		analysis.TotalScans = restored.TotalScans
		if restored.Networks != nil {
			analysis.Networks = restored.Networks
		}
		if restored.Ports != nil {
			analysis.Ports = restored.Ports
		}
		if restored.Protocols != nil {
			analysis.Protocols = restored.Protocols
		}
		analysis.UpdatedAt = restored.UpdatedAt
		analysis.mu.Unlock()
	}
}

func writeJSON(path string, v any, logger zerolog.Logger) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("marshal scan state")
		return
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("write scan state")
	}
}

// readJSON loads path into v, reporting whether anything was decoded.
func readJSON(path string, v any, logger zerolog.Logger) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Str("path", path).Err(err).Msg("read scan state")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("scan state file corrupt, starting fresh")
		return false
	}
	return true
}
