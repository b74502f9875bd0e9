package api

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camfleet/camfleet/internal/scan"
)

func cameraRowColumns() []string {
	return []string{
		"camera_id", "brand", "model", "ip", "last_seen",
		"connection_count", "successful_connections", "failed_connections",
		"total_uptime_minutes", "snapshots_count", "protocols", "metadata",
		"created_at", "updated_at",
	}
}

func cameraRow(id, brand, ip string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(cameraRowColumns()).AddRow(
		id, brand, "", ip, now,
		1, 1, 0, 0.0, 0, `["rtsp"]`, `{}`, now, now,
	)
}

func TestCameraRegistryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().UTC()
	list := sqlmock.NewRows(cameraRowColumns()).
		AddRow("cam-1", "dahua", "IPC-HDW2431", "10.0.0.4", now, 3, 2, 1, 12.5, 4, `["rtsp","onvif"]`, `{}`, now, now).
		AddRow("cam-2", "amcrest", "", "10.0.0.5", now, 1, 1, 0, 0.0, 0, `["onvif"]`, `{}`, now, now)
	env.mock.ExpectQuery("SELECT").WillReturnRows(list)

	resp := env.request(t, http.MethodGet, "/api/v1/cameras?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Len(t, body["data"], 2)

	meta, ok := body["meta"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, meta["count"])
	assert.EqualValues(t, 10, meta["limit"])

	env.mock.ExpectQuery("SELECT").WillReturnRows(cameraRow("cam-1", "dahua", "10.0.0.4"))
	resp = env.request(t, http.MethodGet, "/api/v1/cameras/cam-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cam-1", decode(t, resp)["camera_id"])

	env.mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(cameraRowColumns()))
	resp = env.request(t, http.MethodGet, "/api/v1/cameras/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.mock.ExpectExec("DELETE FROM cameras").WillReturnResult(sqlmock.NewResult(0, 1))
	resp = env.request(t, http.MethodDelete, "/api/v1/cameras/cam-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", decode(t, resp)["status"])

	env.mock.ExpectExec("DELETE FROM cameras").WillReturnResult(sqlmock.NewResult(0, 0))
	resp = env.request(t, http.MethodDelete, "/api/v1/cameras/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("SELECT").WillReturnRows(cameraRow("cam-1", "dahua", "10.0.0.9"))

	resp := env.request(t, http.MethodPost, "/api/v1/cameras/cam-1/stream/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "cam-1", body["camera_id"])
	assert.Equal(t, "active", body["status"])

	resp = env.request(t, http.MethodGet, "/api/v1/streams", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode(t, resp)["count"])

	resp = env.request(t, http.MethodGet, "/api/v1/streams/cam-1/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	metrics := decode(t, resp)
	assert.Equal(t, "cam-1", metrics["camera_id"])
	assert.Equal(t, "active", metrics["status"])

	resp = env.request(t, http.MethodGet, "/api/v1/connections", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, resp)["data"], 1)

	resp = env.request(t, http.MethodPost, "/api/v1/cameras/cam-1/stream/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", decode(t, resp)["status"])

	// With the pipeline gone a metrics read is a lookup miss.
	resp = env.request(t, http.MethodGet, "/api/v1/streams/cam-1/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamStartUnknownCameraWithoutAddress(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(cameraRowColumns()))

	resp := env.request(t, http.MethodPost, "/api/v1/cameras/ghost/stream/start", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["error"], "carries no ip")
}

func TestStreamStartAdHocCamera(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(cameraRowColumns()))

	resp := env.request(t, http.MethodPost, "/api/v1/cameras/cam-adhoc/stream/start", map[string]any{
		"ip":       "10.0.0.12",
		"username": "admin",
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", decode(t, resp)["status"])
}

func TestPTZCommands(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("SELECT").WillReturnRows(cameraRow("cam-ptz", "amcrest", "10.0.0.20"))

	resp := env.request(t, http.MethodPost, "/api/v1/cameras/cam-ptz/stream/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/v1/cameras/cam-ptz/ptz",
		map[string]any{"action": "left", "speed": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])

	resp = env.request(t, http.MethodPost, "/api/v1/cameras/cam-ptz/ptz",
		map[string]any{"action": "set_preset", "preset_id": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/v1/cameras/cam-ptz/ptz", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "action required", decode(t, resp)["error"])

	// No connection at all: a command conflict, not a lookup miss.
	resp = env.request(t, http.MethodPost, "/api/v1/cameras/nobody/ptz",
		map[string]any{"action": "left", "speed": 2})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshotFormats(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("SELECT").WillReturnRows(cameraRow("cam-snap", "dahua", "10.0.0.30"))

	resp := env.request(t, http.MethodPost, "/api/v1/cameras/cam-snap/stream/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/v1/cameras/cam-snap/snapshot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "cam-snap", body["camera_id"])
	assert.EqualValues(t, len("jpeg-frame-bytes"), body["size_bytes"])

	resp = env.request(t, http.MethodPost, "/api/v1/cameras/cam-snap/snapshot?format=jpeg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	img, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-frame-bytes", string(img))

	resp = env.request(t, http.MethodPost, "/api/v1/cameras/ghost/snapshot", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshotHistory(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().UTC()
	cols := []string{
		"snapshot_id", "camera_id", "file_path", "timestamp",
		"file_size_bytes", "resolution", "format", "metadata", "created_at",
	}
	env.mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows(cols).
			AddRow("snap-1", "cam-1", "/data/snapshots/cam-1/a.jpg", now, 2048, "", "jpeg", `{}`, now).
			AddRow("snap-2", "cam-1", "/data/snapshots/cam-1/b.jpg", now, 4096, "", "jpeg", `{}`, now))

	resp := env.request(t, http.MethodGet, "/api/v1/cameras/cam-1/snapshots", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.EqualValues(t, 2, body["count"])
	assert.Len(t, body["data"], 2)
}

func TestScanValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/v1/scans", map[string]any{"cidr": "not-a-cidr"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/v1/scans",
		map[string]any{"start_ip": "10.0.0.9", "end_ip": "10.0.0.1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/v1/scans",
		map[string]any{"cidr": "10.0.0.0/30", "methods": []string{"warp_drive"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["error"], "unknown scan method")

	// A valid request against a coordinator that is not running.
	resp = env.request(t, http.MethodPost, "/api/v1/scans", map[string]any{"cidr": "10.0.0.0/30"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/v1/scans/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/v1/scans/nope/results", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.request(t, http.MethodDelete, "/api/v1/scans/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScanLifecycleLoopback(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.scans.Start(context.Background()))
	t.Cleanup(env.scans.Stop)

	// Port 1 on loopback answers instantly with a refusal, so the scan
	// finishes without touching the network.
	resp := env.request(t, http.MethodPost, "/api/v1/scans", map[string]any{
		"start_ip":  "127.0.0.1",
		"end_ip":    "127.0.0.1",
		"ports":     []int{1},
		"methods":   []string{"port_scan"},
		"use_cache": false,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := decode(t, resp)["scan_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		state, err := env.scans.Status(id)
		return err == nil && state == scan.StateCompleted
	}, 5*time.Second, 50*time.Millisecond)

	resp = env.request(t, http.MethodGet, "/api/v1/scans/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	progress := decode(t, resp)
	assert.Equal(t, "completed", progress["state"])
	assert.EqualValues(t, 1, progress["fraction"])

	resp = env.request(t, http.MethodGet, "/api/v1/scans/"+id+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode(t, resp)
	assert.Equal(t, id, result["scan_id"])
	assert.Len(t, result["hosts"], 1)

	resp = env.request(t, http.MethodGet, "/api/v1/scans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode(t, resp)["count"])

	// Finished scans cannot be cancelled.
	resp = env.request(t, http.MethodDelete, "/api/v1/scans/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestScanAnalysisEmpty(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/v1/scans/analysis?base_ip=192.168.1.50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Contains(t, body, "report")
	// No history yet, so no suggestion either.
	assert.Nil(t, body["suggested_range"])
}
