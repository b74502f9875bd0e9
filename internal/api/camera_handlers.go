package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camera"
	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/data"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/protocols"
	"github.com/camfleet/camfleet/internal/relay"
)

// CameraHandler fronts the camera facade: registry reads, stream
// start/stop, PTZ, snapshots and connection introspection.
type CameraHandler struct {
	Core   *camera.Core
	Store  *data.Store
	Relay  *relay.Publisher // optional; streams are mirrored to it
	logger zerolog.Logger
}

func NewCameraHandler(core *camera.Core, store *data.Store, rel *relay.Publisher) *CameraHandler {
	return &CameraHandler{
		Core:   core,
		Store:  store,
		Relay:  rel,
		logger: log.WithComponent("api"),
	}
}

// streamStartRequest overlays stored camera identity with connection
// parameters the registry does not persist (credentials, ports).
type streamStartRequest struct {
	IP         string  `json:"ip,omitempty"`
	Protocol   string  `json:"protocol,omitempty"`
	Username   string  `json:"username,omitempty"`
	Password   string  `json:"password,omitempty"`
	RTSPPort   int     `json:"rtsp_port,omitempty"`
	ONVIFPort  int     `json:"onvif_port,omitempty"`
	HTTPPort   int     `json:"http_port,omitempty"`
	Channel    int     `json:"channel,omitempty"`
	SubStream  int     `json:"sub_stream,omitempty"`
	TargetFPS  float64 `json:"target_fps,omitempty"`
	BufferSize int     `json:"buffer_size,omitempty"`
}

// GET /api/v1/cameras
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := data.CameraFilter{
		Brand:  r.URL.Query().Get("brand"),
		IP:     r.URL.Query().Get("ip"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	list, err := h.Store.Cameras(r.Context(), filter)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data": list,
		"meta": map[string]int{
			"count":  len(list),
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

// GET /api/v1/cameras/{id}
func (h *CameraHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.Camera(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// DELETE /api/v1/cameras/{id}
func (h *CameraHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteCamera(r.Context(), id); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"camera_id": id, "status": "deleted"})
}

// POST /api/v1/cameras/{id}/stream/start
func (h *CameraHandler) StartStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req streamStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	cam, err := h.resolveCamera(r, id, req)
	if err != nil {
		respondFailure(w, err)
		return
	}

	p, err := h.Core.StartCameraStream(r.Context(), cam)
	if err != nil {
		respondFailure(w, err)
		return
	}

	resp := map[string]any{"camera_id": id, "status": string(p.Status())}
	if h.Relay != nil {
		path, err := h.publishToRelay(r, id)
		if err != nil {
			lg := log.WithContext(r.Context(), h.logger)
			lg.Warn().
				Err(err).
				Str("camera_id", id).
				Msg("relay publish failed, stream stays local")
		} else {
			resp["relay_path"] = path
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// POST /api/v1/cameras/{id}/stream/stop
func (h *CameraHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.Relay != nil {
		if err := h.Relay.UnpublishCamera(r.Context(), id); err != nil {
			lg := log.WithContext(r.Context(), h.logger)
			lg.Warn().
				Err(err).
				Str("camera_id", id).
				Msg("relay unpublish failed")
		}
	}
	if err := h.Core.StopCameraStream(r.Context(), id); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"camera_id": id, "status": "stopped"})
}

// GET /api/v1/streams
func (h *CameraHandler) Streams(w http.ResponseWriter, r *http.Request) {
	m := h.Core.AllStreamMetrics()
	respondJSON(w, http.StatusOK, map[string]any{"data": m, "count": len(m)})
}

// GET /api/v1/streams/{id}/metrics
func (h *CameraHandler) StreamMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Core.StreamMetrics(chi.URLParam(r, "id"))
	if err != nil {
		// A metrics read on a camera without a pipeline is a lookup
		// miss, not a command conflict.
		if camerr.IsKind(err, camerr.NotConnected) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// GET /api/v1/connections
func (h *CameraHandler) Connections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"data":    h.Core.Orchestrator().Stats(),
		"metrics": h.Core.Metrics(),
	})
}

// POST /api/v1/cameras/{id}/ptz
func (h *CameraHandler) PTZ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Action   string `json:"action"`
		Speed    int    `json:"speed,omitempty"`
		PresetID int    `json:"preset_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var err error
	switch req.Action {
	case "":
		respondError(w, http.StatusBadRequest, "action required")
		return
	case "set_preset":
		err = h.Core.SetPreset(r.Context(), id, req.PresetID)
	case "goto_preset":
		err = h.Core.GotoPreset(r.Context(), id, req.PresetID)
	default:
		err = h.Core.PTZControl(r.Context(), id, req.Action, req.Speed)
	}
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"camera_id": id, "action": req.Action, "status": "ok"})
}

// POST /api/v1/cameras/{id}/snapshot captures one frame. The default
// response is JSON metadata; ?format=jpeg streams the image itself.
func (h *CameraHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := h.Core.CaptureSnapshot(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}

	if r.URL.Query().Get("format") == "jpeg" {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(snap.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(snap.Data)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GET /api/v1/cameras/{id}/snapshots
func (h *CameraHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	list, err := h.Store.Snapshots(r.Context(), id, queryInt(r, "limit", 20))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": list, "count": len(list)})
}

// resolveCamera builds the connect spec for one camera: identity from
// the registry when present, overlaid with request parameters. Cameras
// the registry does not know must carry their address in the request.
func (h *CameraHandler) resolveCamera(r *http.Request, id string, req streamStartRequest) (camera.Camera, error) {
	cam := camera.Camera{
		CameraID:  id,
		IP:        req.IP,
		Protocol:  protocols.Type(req.Protocol),
		Username:  req.Username,
		Password:  req.Password,
		RTSPPort:  req.RTSPPort,
		ONVIFPort: req.ONVIFPort,
		HTTPPort:  req.HTTPPort,
		Channel:   req.Channel,
		SubStream: req.SubStream,
		Stream: camera.StreamConfig{
			TargetFPS:  req.TargetFPS,
			BufferSize: req.BufferSize,
		},
	}

	if h.Store != nil {
		rec, err := h.Store.Camera(r.Context(), id)
		switch {
		case err == nil:
			if cam.IP == "" {
				cam.IP = rec.IP
			}
			cam.Vendor = rec.Brand
			cam.Model = rec.Model
			if cam.Protocol == "" && len(rec.Protocols) > 0 {
				cam.Protocol = protocols.Type(rec.Protocols[0])
			}
		case errors.Is(err, data.ErrRecordNotFound):
			// Ad-hoc camera: the request must be self-sufficient.
		default:
			return camera.Camera{}, err
		}
	}
	if cam.IP == "" {
		return camera.Camera{}, camerr.New(camerr.Validation, "api.start_stream",
			"camera "+id+" is unknown and the request carries no ip")
	}
	if cam.Protocol == "" {
		cam.Protocol = protocols.TypeRTSP
	}
	return cam, nil
}

// publishToRelay provisions the relay path for a freshly started
// stream using the backend's source URL.
func (h *CameraHandler) publishToRelay(r *http.Request, id string) (string, error) {
	conn, ok := h.Core.Orchestrator().Connection(id, camera.KindStream)
	if !ok {
		return "", fmt.Errorf("no stream connection for camera %s", id)
	}
	src, ok := conn.Handler().(protocols.StreamSource)
	if !ok {
		return "", fmt.Errorf("backend %s does not expose a source url", conn.Camera().Protocol)
	}
	return h.Relay.PublishCamera(r.Context(), id, src.StreamURL())
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
