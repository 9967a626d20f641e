package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go-passport-reader/logging"
	"go-passport-reader/metrics"
	"go-passport-reader/models"
	"go-passport-reader/mrz"
	"go-passport-reader/reader"
	"go-passport-reader/session"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ErrorInternal = "error:internal"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_DECODE = "failed to decode request body"
const ERR_FIELDS_INVALID = "passport details are not valid"
const ERR_SCAN_IN_PROGRESS = "a scan is already in progress"
const ERR_NOT_SCANNING = "no scan in progress"
const ERR_NO_PENDING_READ = "no scan is waiting for a chip readout"
const ERR_NO_RECORD = "no passport record available"
const ERR_HANDOFF_DISABLED = "hand-off is not configured"
const ERR_JWT_CREATION = "failed to create jwt"
const ERR_LOG_EXPORT = "failed to export logs"
const ERR_SHARE_NOT_FOUND = "shared log export not found"

const maxSessionWait = 30 * time.Second

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`
}

// ReadoutReceiver is the side of the reader the companion app talks to.
// Abstract interface for easier testing.
type ReadoutReceiver interface {
	Deliver(readout models.ChipReadout) error
	Prompt() string
}

type ServerState struct {
	controller    *session.Controller
	receiver      ReadoutReceiver
	logs          *logging.Channel
	shareStorage  ShareStorage
	jwtCreator    JwtCreator
	irmaServerURL string
	exportDir     string
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: NewRouter(state),
		Addr:    addr,
		// long enough for a session wait
		WriteTimeout: maxSessionWait + 15*time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func NewRouter(state *ServerState) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		handleGetSession(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/fields", func(w http.ResponseWriter, r *http.Request) {
		handleSetFields(state, w, r)
	})
	router.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		handleStartScan(state, w, r)
	})
	router.HandleFunc("/api/scan/cancel", func(w http.ResponseWriter, r *http.Request) {
		handleCancelScan(state, w, r)
	})
	router.HandleFunc("/api/chip-readout", func(w http.ResponseWriter, r *http.Request) {
		handleChipReadout(state, w, r)
	})
	router.HandleFunc("/api/logs/capture", func(w http.ResponseWriter, r *http.Request) {
		handleLogCapture(state, w, r)
	})
	router.HandleFunc("/api/logs/clear", func(w http.ResponseWriter, r *http.Request) {
		handleClearLogs(state, w, r)
	})
	router.HandleFunc("/api/logs/export", func(w http.ResponseWriter, r *http.Request) {
		handleExportLogs(state, w, r)
	})
	router.HandleFunc("/api/logs/shared/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetSharedLogs(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/logs/shared/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteSharedLogs(state, w, r)
	}).Methods(http.MethodDelete)
	router.HandleFunc("/api/handoff", func(w http.ResponseWriter, r *http.Request) {
		handleHandoff(state, w, r)
	})
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	slog.Debug("Registered all API routes")
	return router
}

type SessionResponse struct {
	session.Snapshot
	Prompt string `json:"prompt,omitempty"`
}

type StartScanResponse struct {
	SessionId string `json:"session_id"`
}

type LogCaptureRequest struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Level   string `json:"level,omitempty"`
}

type LogCaptureResponse struct {
	Enabled bool   `json:"enabled"`
	Level   string `json:"level"`
}

type LogExportResponse struct {
	Path    string `json:"path"`
	ShareId string `json:"share_id"`
	Entries int    `json:"entries"`
}

type HandoffResponse struct {
	Jwt           string `json:"jwt"`
	IrmaServerURL string `json:"irma_server_url"`
}

func (state *ServerState) sessionResponse(snapshot session.Snapshot) SessionResponse {
	response := SessionResponse{Snapshot: snapshot}
	if snapshot.State == session.Scanning && state.receiver != nil {
		response.Prompt = state.receiver.Prompt()
	}
	return response
}

// handleGetSession returns the current session. With ?wait=true it blocks until
// the scan in progress has finished, at most maxSessionWait.
func handleGetSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	snapshot := state.controller.Snapshot()

	if r.URL.Query().Get("wait") == "true" && snapshot.State == session.Scanning {
		ctx, cancel := context.WithTimeout(r.Context(), maxSessionWait)
		defer cancel()
		// on timeout the snapshot still says scanning, which is what the client needs
		snapshot, _ = state.controller.Wait(ctx)
	}

	if err := writeJSON(w, http.StatusOK, state.sessionResponse(snapshot)); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleSetFields(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var fields mrz.PassportInputFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
		return
	}

	snapshot := state.controller.SetFields(fields)
	slog.Debug("Passport details updated", "all_valid", snapshot.Validation.AllValid())

	if err := writeJSON(w, http.StatusOK, state.sessionResponse(snapshot)); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleStartScan(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to start a passport scan")

	sessionId, err := state.controller.Scan(r.Context())
	switch {
	case errors.Is(err, session.ErrFieldsInvalid):
		respondWithErr(w, http.StatusBadRequest, ERR_FIELDS_INVALID, ERR_FIELDS_INVALID, err)
		return
	case errors.Is(err, session.ErrScanInProgress):
		respondWithErr(w, http.StatusConflict, ERR_SCAN_IN_PROGRESS, ERR_SCAN_IN_PROGRESS, err)
		return
	case err != nil:
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to start scan", err)
		return
	}

	if err := writeJSON(w, http.StatusAccepted, StartScanResponse{SessionId: sessionId}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Passport scan started", "session_id", sessionId)
}

func handleCancelScan(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	if err := state.controller.Cancel(); err != nil {
		respondWithErr(w, http.StatusConflict, ERR_NOT_SCANNING, ERR_NOT_SCANNING, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleChipReadout(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var readout models.ChipReadout
	if err := json.NewDecoder(r.Body).Decode(&readout); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
		return
	}
	slog.Info("Received chip readout", "data_groups", len(readout.DataGroups))

	if err := state.receiver.Deliver(readout); err != nil {
		if errors.Is(err, reader.ErrNoPendingRead) || errors.Is(err, reader.ErrAlreadyDelivered) {
			respondWithErr(w, http.StatusConflict, ERR_NO_PENDING_READ, ERR_NO_PENDING_READ, err)
			return
		}
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to deliver chip readout", err)
		return
	}

	if err := writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

// handleLogCapture stores the capture settings; they take effect when the next scan starts.
func handleLogCapture(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request LogCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
		return
	}

	if request.Enabled != nil {
		state.controller.SetCaptureLogs(*request.Enabled)
	}
	if request.Level != "" {
		state.controller.SetLogLevel(logging.ParseLevel(request.Level))
	}

	enabled, level := state.controller.CaptureSettings()
	response := LogCaptureResponse{Enabled: enabled, Level: logging.LevelName(level)}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleClearLogs(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	state.logs.Clear()
	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

// handleExportLogs writes the captured entries to the export file and keeps a copy
// in share storage so another device can fetch it by share id.
func handleExportLogs(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	response, err := exportLogs(state)
	metrics.RecordLogExport(err)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ERR_LOG_EXPORT, ERR_LOG_EXPORT, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Logs exported", "path", response.Path, "share_id", response.ShareId, "entries", response.Entries)
}

func exportLogs(state *ServerState) (LogExportResponse, error) {
	entries := state.logs.Export()

	path, err := logging.WriteExport(entries, state.exportDir)
	if err != nil {
		return LogExportResponse{}, err
	}

	data, err := logging.MarshalExport(entries)
	if err != nil {
		return LogExportResponse{}, err
	}

	shareId := uuid.NewString()
	if err := state.shareStorage.StoreExport(shareId, data); err != nil {
		return LogExportResponse{}, fmt.Errorf("failed to store log export: %w", err)
	}

	return LogExportResponse{Path: path, ShareId: shareId, Entries: len(entries)}, nil
}

func handleGetSharedLogs(state *ServerState, w http.ResponseWriter, r *http.Request) {
	shareId := mux.Vars(r)["id"]

	data, err := state.shareStorage.RetrieveExport(shareId)
	if errors.Is(err, ErrExportNotFound) {
		respondWithErr(w, http.StatusNotFound, ERR_SHARE_NOT_FOUND, ERR_SHARE_NOT_FOUND, err)
		return
	}
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to retrieve log export", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", logging.ExportFileName))
	if _, err := w.Write(data); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// handleDeleteSharedLogs withdraws a shared export before its expiry.
func handleDeleteSharedLogs(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)
	shareId := mux.Vars(r)["id"]

	err := state.shareStorage.RemoveExport(shareId)
	if errors.Is(err, ErrExportNotFound) {
		respondWithErr(w, http.StatusNotFound, ERR_SHARE_NOT_FOUND, ERR_SHARE_NOT_FOUND, err)
		return
	}
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to remove log export", err)
		return
	}

	slog.Info("Removed shared log export", "share_id", shareId)
	w.WriteHeader(http.StatusNoContent)
}

func handleHandoff(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	if state.jwtCreator == nil {
		respondWithErr(w, http.StatusServiceUnavailable, ERR_HANDOFF_DISABLED, ERR_HANDOFF_DISABLED, nil)
		return
	}

	snapshot := state.controller.Snapshot()
	if snapshot.State != session.Succeeded || snapshot.Record == nil {
		respondWithErr(w, http.StatusConflict, ERR_NO_RECORD, ERR_NO_RECORD, session.ErrNoRecord)
		return
	}

	slog.Debug("Creating hand-off JWT", "session_id", snapshot.ID)
	jwt, err := state.jwtCreator.CreateRecordJwt(*snapshot.Record)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ERR_JWT_CREATION, ERR_JWT_CREATION, err)
		return
	}

	response := HandoffResponse{
		Jwt:           jwt,
		IrmaServerURL: state.irmaServerURL,
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Passport record handed off", "session_id", snapshot.ID)
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	w.WriteHeader(code)
	if _, err := w.Write([]byte(responseBody)); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// helpers ------------

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}

}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	} else {
		slog.Debug("JSON response written successfully", "status_code", status, "payload_size", len(payload))
	}
	return nil
}
