package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/camfleet/camfleet/internal/scan"
)

// ScanHandler fronts the scan coordinator.
type ScanHandler struct {
	Scans *scan.Coordinator
}

func NewScanHandler(scans *scan.Coordinator) *ScanHandler {
	return &ScanHandler{Scans: scans}
}

// POST /api/v1/scans submits a scan for a CIDR or an explicit range.
func (h *ScanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CIDR     string   `json:"cidr,omitempty"`
		StartIP  string   `json:"start_ip,omitempty"`
		EndIP    string   `json:"end_ip,omitempty"`
		Ports    []int    `json:"ports,omitempty"`
		Methods  []string `json:"methods,omitempty"`
		Priority string   `json:"priority,omitempty"`
		UseCache *bool    `json:"use_cache,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var rng scan.Range
	if req.CIDR != "" {
		var err error
		rng, err = scan.RangeFromCIDR(req.CIDR, req.Ports)
		if err != nil {
			respondFailure(w, err)
			return
		}
	} else {
		rng = scan.Range{StartIP: req.StartIP, EndIP: req.EndIP, Ports: req.Ports}
	}

	methods, err := parseMethods(req.Methods)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	id, err := h.Scans.StartScan(scan.Request{
		Range:    rng,
		Methods:  methods,
		Priority: scan.ParsePriority(req.Priority),
		UseCache: useCache,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"scan_id": id})
}

// GET /api/v1/scans/{id}
func (h *ScanHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, err := h.Scans.Progress(chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GET /api/v1/scans/{id}/results
func (h *ScanHandler) Results(w http.ResponseWriter, r *http.Request) {
	res, err := h.Scans.Results(chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// DELETE /api/v1/scans/{id}
func (h *ScanHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Scans.CancelScan(id); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"scan_id": id, "status": "cancelled"})
}

// GET /api/v1/scans lists recent scan history, newest first.
func (h *ScanHandler) History(w http.ResponseWriter, r *http.Request) {
	entries := h.Scans.History(queryInt(r, "limit", 20))
	respondJSON(w, http.StatusOK, map[string]any{"data": entries, "count": len(entries)})
}

// GET /api/v1/scans/analysis reports accumulated network analysis and,
// given ?base_ip=, a suggested range around it.
func (h *ScanHandler) Analysis(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"report": h.Scans.Analysis()}
	if base := r.URL.Query().Get("base_ip"); base != "" {
		resp["suggested_range"] = h.Scans.OptimalScanRange(base)
	}
	respondJSON(w, http.StatusOK, resp)
}

// parseMethods maps wire names onto scan methods, rejecting unknowns
// so typos do not silently degrade a scan.
func parseMethods(names []string) ([]scan.Method, error) {
	methods := make([]scan.Method, 0, len(names))
	for _, n := range names {
		switch m := scan.Method(n); m {
		case scan.MethodPingSweep, scan.MethodPortScan, scan.MethodProtocolDetect, scan.MethodONVIFDiscovery:
			methods = append(methods, m)
		default:
			return nil, fmt.Errorf("unknown scan method %q", n)
		}
	}
	return methods, nil
}
