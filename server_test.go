package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-passport-reader/logging"
	"go-passport-reader/models"
	"go-passport-reader/mrz"

	"github.com/stretchr/testify/require"
)

var testReadout = models.ChipReadout{
	DataGroups: map[string]string{"DG1": "615B", "DG2": "7582"},
	EFSOD:      "77",
}

func TestHealth(t *testing.T) {
	s := startTestServer(t)
	resp, body, health := getJSON[map[string]bool](t, s.url+"/api/health")
	mustStatus(t, resp, http.StatusOK, body)
	require.True(t, (*health)["ok"])
}

func TestInitialSession(t *testing.T) {
	s := startTestServer(t)
	resp, body, got := getJSON[sessionBody](t, s.url+"/api/session")
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "idle", got.State)
	require.False(t, got.ScanEnabled)
	require.Nil(t, got.Record)
}

func TestSetFields(t *testing.T) {
	tests := []struct {
		name       string
		fields     mrz.PassportInputFields
		wantEnable bool
	}{
		{"valid", validFields, true},
		{"lower case and short number", mrz.PassportInputFields{PassportNumber: "ab2134", DateOfBirth: "740812", ExpiryDate: "120415"}, true},
		{"date too short", mrz.PassportInputFields{PassportNumber: "L898902C3", DateOfBirth: "7408", ExpiryDate: "120415"}, false},
		{"empty", mrz.PassportInputFields{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startTestServer(t)
			resp, body, got := postJSON[sessionBody](t, s.url+"/api/fields", tt.fields)
			mustStatus(t, resp, http.StatusOK, body)
			require.Equal(t, tt.wantEnable, got.ScanEnabled)
			require.Equal(t, tt.wantEnable, got.Validation.AllValid())
		})
	}

	t.Run("lower case is normalized", func(t *testing.T) {
		s := startTestServer(t)
		_, _, got := postJSON[sessionBody](t, s.url+"/api/fields", mrz.PassportInputFields{PassportNumber: "ab2134"})
		require.Equal(t, "AB2134<<<", got.Validation.PassportNumber.Normalized)
	})

	t.Run("malformed body", func(t *testing.T) {
		s := startTestServer(t)
		resp, err := http.Post(s.url+"/api/fields", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GET not allowed", func(t *testing.T) {
		s := startTestServer(t)
		resp, err := http.Get(s.url + "/api/fields")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestStartScanWithInvalidFields(t *testing.T) {
	s := startTestServer(t)
	resp, body, _ := postJSON[map[string]any](t, s.url+"/api/scan", nil)
	mustStatus(t, resp, http.StatusBadRequest, body)
	require.Equal(t, ERR_FIELDS_INVALID, string(body))
}

func TestScanFlow(t *testing.T) {
	s := startTestServer(t, withJwtCreator(fakeJwtCreator{jwt: "test-jwt"}))
	sessionId := s.startScan(t)

	_, _, scanning := getJSON[sessionBody](t, s.url+"/api/session")
	require.Equal(t, "scanning", scanning.State)
	require.Equal(t, sessionId, scanning.ID)
	require.False(t, scanning.ScanEnabled)
	require.Equal(t, testPrompt, scanning.Prompt)

	resp, body, _ := postJSON[map[string]any](t, s.url+"/api/scan", nil)
	mustStatus(t, resp, http.StatusConflict, body)

	resp, body, _ = postJSON[map[string]any](t, s.url+"/api/chip-readout", testReadout)
	mustStatus(t, resp, http.StatusAccepted, body)

	resp, body, done := getJSON[sessionBody](t, s.url+"/api/session?wait=true")
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "succeeded", done.State)
	require.NotNil(t, done.Record)
	require.Equal(t, "L898902C3", done.Record.DocumentNumber)
	require.Empty(t, done.Prompt)
	require.True(t, done.ScanEnabled)

	resp, body, handoff := postJSON[HandoffResponse](t, s.url+"/api/handoff", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "test-jwt", handoff.Jwt)
	require.Equal(t, "https://irma.example", handoff.IrmaServerURL)
}

func TestScanFailsOnBadReadout(t *testing.T) {
	s := startTestServer(t)
	s.startScan(t)

	resp, body, _ := postJSON[map[string]any](t, s.url+"/api/chip-readout", models.ChipReadout{})
	mustStatus(t, resp, http.StatusAccepted, body)

	_, _, done := getJSON[sessionBody](t, s.url+"/api/session?wait=true")
	require.Equal(t, "failed", done.State)
	require.Contains(t, done.Error, "DG1 is mandatory")
	require.Nil(t, done.Record)
}

func TestEditAfterScanResetsSession(t *testing.T) {
	s := startTestServer(t)
	s.startScan(t)

	resp, body, _ := postJSON[map[string]any](t, s.url+"/api/chip-readout", testReadout)
	mustStatus(t, resp, http.StatusAccepted, body)
	_, _, done := getJSON[sessionBody](t, s.url+"/api/session?wait=true")
	require.Equal(t, "succeeded", done.State)

	edited := validFields
	edited.PassportNumber = "AB2134"
	_, _, got := postJSON[sessionBody](t, s.url+"/api/fields", edited)
	require.Equal(t, "idle", got.State)
	require.Nil(t, got.Record)
	require.Empty(t, got.ID)
}

func TestChipReadoutWithoutScan(t *testing.T) {
	s := startTestServer(t)
	resp, body, _ := postJSON[map[string]any](t, s.url+"/api/chip-readout", testReadout)
	mustStatus(t, resp, http.StatusConflict, body)
	require.Equal(t, ERR_NO_PENDING_READ, string(body))
}

func TestCancelScan(t *testing.T) {
	s := startTestServer(t)

	resp, body, _ := postJSON[map[string]any](t, s.url+"/api/scan/cancel", nil)
	mustStatus(t, resp, http.StatusConflict, body)

	s.startScan(t)
	resp, body, _ = postJSON[map[string]any](t, s.url+"/api/scan/cancel", nil)
	mustStatus(t, resp, http.StatusOK, body)

	_, _, done := getJSON[sessionBody](t, s.url+"/api/session?wait=true")
	require.Equal(t, "failed", done.State)
	require.Equal(t, "scan was cancelled", done.Error)
}

func TestHandoff(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := startTestServer(t)
		resp, body, _ := postJSON[map[string]any](t, s.url+"/api/handoff", nil)
		mustStatus(t, resp, http.StatusServiceUnavailable, body)
	})

	t.Run("no record yet", func(t *testing.T) {
		s := startTestServer(t, withJwtCreator(fakeJwtCreator{jwt: "test-jwt"}))
		resp, body, _ := postJSON[map[string]any](t, s.url+"/api/handoff", nil)
		mustStatus(t, resp, http.StatusConflict, body)
	})

	t.Run("signing fails", func(t *testing.T) {
		s := startTestServer(t, withJwtCreator(fakeJwtCreator{err: errors.New("no key")}))
		s.startScan(t)
		resp, body, _ := postJSON[map[string]any](t, s.url+"/api/chip-readout", testReadout)
		mustStatus(t, resp, http.StatusAccepted, body)
		_, _, done := getJSON[sessionBody](t, s.url+"/api/session?wait=true")
		require.Equal(t, "succeeded", done.State)

		resp, body, _ = postJSON[map[string]any](t, s.url+"/api/handoff", nil)
		mustStatus(t, resp, http.StatusInternalServerError, body)
	})
}

func TestLogCaptureSettings(t *testing.T) {
	s := startTestServer(t)

	resp, body, got := postJSON[LogCaptureResponse](t, s.url+"/api/logs/capture", LogCaptureRequest{Level: "verbose"})
	mustStatus(t, resp, http.StatusOK, body)
	require.True(t, got.Enabled)
	require.Equal(t, "VERBOSE", got.Level)

	disabled := false
	_, _, got = postJSON[LogCaptureResponse](t, s.url+"/api/logs/capture", LogCaptureRequest{Enabled: &disabled})
	require.False(t, got.Enabled)
	require.Equal(t, "VERBOSE", got.Level)

	// settings only reach the channel when a scan starts
	require.False(t, s.state.logs.Enabled())
	s.startScan(t)
	require.False(t, s.state.logs.Enabled())
	require.Equal(t, logging.LevelVerbose, s.state.logs.Level())
}

func TestScanClearsCapturedLogs(t *testing.T) {
	s := startTestServer(t)
	s.state.logs.SetEnabled(true)
	s.state.logs.Append(logging.LevelVerbose, "left over")
	s.state.logs.Append(slog.LevelInfo, "from an earlier scan")

	s.startScan(t)
	s.state.logs.Append(slog.LevelInfo, "x")

	entries := s.state.logs.Export()
	require.Len(t, entries, 1)
	require.Equal(t, "x", entries[0].Message)
}

func TestClearLogs(t *testing.T) {
	s := startTestServer(t)
	s.state.logs.SetEnabled(true)
	s.state.logs.Append(slog.LevelInfo, "entry")

	resp, body, _ := postJSON[map[string]bool](t, s.url+"/api/logs/clear", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, 0, s.state.logs.Len())
}

func TestExportAndShareLogs(t *testing.T) {
	s := startTestServer(t)
	s.state.logs.SetEnabled(true)
	s.state.logs.Append(slog.LevelInfo, "first")
	s.state.logs.Append(slog.LevelWarn, "second")

	resp, body, export := postJSON[LogExportResponse](t, s.url+"/api/logs/export", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, 2, export.Entries)
	require.Equal(t, filepath.Join(s.state.exportDir, logging.ExportFileName), export.Path)
	require.NotEmpty(t, export.ShareId)

	written, err := os.ReadFile(export.Path)
	require.NoError(t, err)
	var entries []logging.Entry
	require.NoError(t, json.Unmarshal(written, &entries))
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[0].Message)
	require.Equal(t, "second", entries[1].Message)

	// exporting does not clear the buffer
	require.Equal(t, 2, s.state.logs.Len())

	shared, err := http.Get(s.url + "/api/logs/shared/" + export.ShareId)
	require.NoError(t, err)
	defer func() { _ = shared.Body.Close() }()
	require.Equal(t, http.StatusOK, shared.StatusCode)
	sharedBody, err := io.ReadAll(shared.Body)
	require.NoError(t, err)
	require.JSONEq(t, string(written), string(sharedBody))
}

func TestSharedLogsNotFound(t *testing.T) {
	s := startTestServer(t)
	resp, body, _ := getJSON[map[string]any](t, s.url+"/api/logs/shared/unknown")
	mustStatus(t, resp, http.StatusNotFound, body)
}

func TestDeleteSharedLogs(t *testing.T) {
	s := startTestServer(t)
	s.state.logs.SetEnabled(true)
	s.state.logs.Append(slog.LevelInfo, "first")

	resp, body, export := postJSON[LogExportResponse](t, s.url+"/api/logs/export", nil)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body = deleteRequest(t, s.url+"/api/logs/shared/"+export.ShareId)
	mustStatus(t, resp, http.StatusNoContent, body)

	resp, body, _ = getJSON[map[string]any](t, s.url+"/api/logs/shared/"+export.ShareId)
	mustStatus(t, resp, http.StatusNotFound, body)

	resp, body = deleteRequest(t, s.url+"/api/logs/shared/"+export.ShareId)
	mustStatus(t, resp, http.StatusNotFound, body)
	require.Equal(t, ERR_SHARE_NOT_FOUND, string(body))
}

func TestExportFailureIsReported(t *testing.T) {
	s := startTestServer(t, withExportDir(filepath.Join(t.TempDir(), "missing")))
	resp, body, _ := postJSON[map[string]any](t, s.url+"/api/logs/export", nil)
	mustStatus(t, resp, http.StatusInternalServerError, body)
	require.Equal(t, ERR_LOG_EXPORT, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	s := startTestServer(t)
	resp, err := http.Get(s.url + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "passport_scans_started_total")
}

func TestSessionWaitReturnsWhileScanning(t *testing.T) {
	s := startTestServer(t)
	s.startScan(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.reader.Deliver(testReadout)
	}()
	_, _, done := getJSON[sessionBody](t, s.url+"/api/session?wait=true")
	require.Equal(t, "succeeded", done.State)
}
