package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go-passport-reader/logging"
	"go-passport-reader/models"
	"go-passport-reader/mrz"
	"go-passport-reader/reader"
	"go-passport-reader/session"

	"github.com/stretchr/testify/require"
)

const testPrompt = "Hold the passport against the back of the phone."

var validFields = mrz.PassportInputFields{
	PassportNumber: "L898902C3",
	DateOfBirth:    "740812",
	ExpiryDate:     "120415",
}

type testServer struct {
	url    string
	state  *ServerState
	reader *fakeChipReader
}

type testOpt func(*ServerState)

func withJwtCreator(jc JwtCreator) testOpt {
	return func(s *ServerState) { s.jwtCreator = jc }
}

func withExportDir(dir string) testOpt {
	return func(s *ServerState) { s.exportDir = dir }
}

func startTestServer(t *testing.T, opts ...testOpt) *testServer {
	t.Helper()

	chipReader := &fakeChipReader{
		record: &models.PassportRecord{DocumentNumber: "L898902C3", LastName: "ERIKSSON", FirstName: "ANNA MARIA"},
	}
	logs := logging.NewChannel()
	controller := session.NewController(chipReader, logs, session.Config{
		ScanTimeout:           5 * time.Second,
		PresentPassportPrompt: testPrompt,
	})

	state := &ServerState{
		controller:    controller,
		receiver:      chipReader,
		logs:          logs,
		shareStorage:  NewInMemoryShareStorage(),
		irmaServerURL: "https://irma.example",
		exportDir:     t.TempDir(),
	}
	for _, opt := range opts {
		opt(state)
	}

	server := httptest.NewServer(NewRouter(state))
	t.Cleanup(func() {
		_ = controller.Cancel()
		server.Close()
	})
	return &testServer{url: server.URL, state: state, reader: chipReader}
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)
	return readResponse[T](t, resp)
}

func getJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return readResponse[T](t, resp)
}

func deleteRequest(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp, body, _ := readResponse[map[string]any](t, resp)
	return resp, body
}

func readResponse[T any](t *testing.T, resp *http.Response) (*http.Response, []byte, *T) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

// sessionBody mirrors the JSON of SessionResponse for decoding in tests.
type sessionBody struct {
	ID          string                 `json:"id"`
	State       string                 `json:"state"`
	ScanEnabled bool                   `json:"scan_enabled"`
	Validation  mrz.ValidationResult   `json:"validation"`
	Record      *models.PassportRecord `json:"record"`
	Error       string                 `json:"error"`
	Prompt      string                 `json:"prompt"`
}

// startScan enters valid fields, starts a scan and waits until the reader waits
// for a chip readout.
func (s *testServer) startScan(t *testing.T) string {
	t.Helper()
	resp, body, _ := postJSON[sessionBody](t, s.url+"/api/fields", validFields)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, started := postJSON[StartScanResponse](t, s.url+"/api/scan", nil)
	mustStatus(t, resp, http.StatusAccepted, body)
	require.NotEmpty(t, started.SessionId)

	require.Eventually(t, s.reader.isWaiting, 2*time.Second, 5*time.Millisecond)
	return started.SessionId
}

// test doubles

type fakeJwtCreator struct {
	jwt string
	err error
}

func (f fakeJwtCreator) CreateRecordJwt(_ models.PassportRecord) (string, error) {
	return f.jwt, f.err
}

// fakeChipReader stands in for reader.ChipReader: a read waits for Deliver and
// returns the configured record for any readout carrying DG1.
type fakeChipReader struct {
	mutex   sync.Mutex
	waiting chan models.ChipReadout
	prompt  string
	record  *models.PassportRecord
}

func (f *fakeChipReader) SetMasterListURL(string) error { return nil }

func (f *fakeChipReader) ReadPassport(ctx context.Context, _ string, display models.DisplayMessageFunc) (*models.PassportRecord, error) {
	prompt, _ := display(models.RequestPresentPassport)
	pending := make(chan models.ChipReadout, 1)

	f.mutex.Lock()
	f.waiting = pending
	f.prompt = prompt
	f.mutex.Unlock()

	defer func() {
		f.mutex.Lock()
		f.waiting = nil
		f.prompt = ""
		f.mutex.Unlock()
	}()

	select {
	case readout := <-pending:
		if readout.DataGroups["DG1"] == "" {
			return nil, errors.New("DG1 is mandatory but was not provided")
		}
		return f.record, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChipReader) Deliver(readout models.ChipReadout) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.waiting == nil {
		return reader.ErrNoPendingRead
	}
	select {
	case f.waiting <- readout:
		return nil
	default:
		return reader.ErrAlreadyDelivered
	}
}

func (f *fakeChipReader) Prompt() string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.prompt
}

func (f *fakeChipReader) isWaiting() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.waiting != nil
}
