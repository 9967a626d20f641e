package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-passport-reader/models"
	"go-passport-reader/mrz"

	"github.com/google/uuid"
)

const DefaultScanTimeout = 60 * time.Second

const DefaultPresentPassportPrompt = "Hold your phone near an NFC enabled passport."

// Reader is the external passport reading service. ReadPassport blocks until the chip
// has been read, the read failed, or ctx is done.
type Reader interface {
	SetMasterListURL(url string) error
	ReadPassport(ctx context.Context, mrzKey string, display models.DisplayMessageFunc) (*models.PassportRecord, error)
}

// LogCapture is the part of the log channel the controller drives at scan start.
type LogCapture interface {
	SetEnabled(enabled bool)
	SetLevel(level slog.Level)
	Clear()
}

// Observer is told about every state change, after the controller released its lock.
type Observer interface {
	SessionChanged(Snapshot)
}

type Config struct {
	MasterListURL         string
	ScanTimeout           time.Duration
	PresentPassportPrompt string
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	ID          string                  `json:"id,omitempty"`
	State       State                   `json:"state"`
	Fields      mrz.PassportInputFields `json:"fields"`
	Validation  mrz.ValidationResult    `json:"validation"`
	ScanEnabled bool                    `json:"scan_enabled"`
	Record      *models.PassportRecord  `json:"record,omitempty"`
	Error       string                  `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	FinishedAt  *time.Time              `json:"finished_at,omitempty"`

	Err    error   `json:"-"`
	MrzKey mrz.Key `json:"-"`
}

type scanSession struct {
	id         string
	state      State
	key        mrz.Key
	record     *models.PassportRecord
	err        error
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
	finishedAt time.Time
}

type outcome struct {
	record *models.PassportRecord
	err    error
}

type Controller struct {
	mutex       sync.Mutex
	reader      Reader
	logs        LogCapture
	config      Config
	observers   []Observer
	fields      mrz.PassportInputFields
	validation  mrz.ValidationResult
	captureLogs bool
	logLevel    slog.Level
	current     *scanSession

	// closed once the most recent read goroutine has returned from the reader
	lastRead chan struct{}

	newID func() string
	now   func() time.Time
}

func NewController(reader Reader, logs LogCapture, config Config, observers ...Observer) *Controller {
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = DefaultScanTimeout
	}
	if config.PresentPassportPrompt == "" {
		config.PresentPassportPrompt = DefaultPresentPassportPrompt
	}
	return &Controller{
		reader:      reader,
		logs:        logs,
		config:      config,
		observers:   observers,
		validation:  mrz.ValidateFields(mrz.PassportInputFields{}),
		captureLogs: true,
		logLevel:    slog.LevelInfo,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// SetFields replaces all three input fields, revalidates them and discards the
// current session, cancelling it when it is still scanning.
func (c *Controller) SetFields(fields mrz.PassportInputFields) Snapshot {
	c.mutex.Lock()
	snapshot := c.applyFieldsLocked(fields)
	c.mutex.Unlock()

	c.notify(snapshot)
	return snapshot
}

// SetField edits a single field, see SetFields.
func (c *Controller) SetField(kind mrz.FieldKind, value string) (Snapshot, error) {
	c.mutex.Lock()
	fields := c.fields
	switch kind {
	case mrz.DocumentNumber:
		fields.PassportNumber = value
	case mrz.DateOfBirth:
		fields.DateOfBirth = value
	case mrz.DateOfExpiry:
		fields.ExpiryDate = value
	default:
		c.mutex.Unlock()
		return Snapshot{}, fmt.Errorf("unknown field %v", kind)
	}
	snapshot := c.applyFieldsLocked(fields)
	c.mutex.Unlock()

	c.notify(snapshot)
	return snapshot, nil
}

func (c *Controller) applyFieldsLocked(fields mrz.PassportInputFields) Snapshot {
	c.fields = fields
	c.validation = mrz.ValidateFields(fields)
	c.discardLocked()
	slog.Debug("Passport details changed", "all_valid", c.validation.AllValid())
	return c.snapshotLocked()
}

// AllValid reports whether a scan may be started with the current fields.
func (c *Controller) AllValid() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.validation.AllValid()
}

// SetCaptureLogs sets the capture toggle that is applied when the next scan starts.
func (c *Controller) SetCaptureLogs(enabled bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.captureLogs = enabled
}

// SetLogLevel sets the capture level that is applied when the next scan starts.
func (c *Controller) SetLogLevel(level slog.Level) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.logLevel = level
}

// CaptureSettings returns the capture toggle and level for the next scan.
func (c *Controller) CaptureSettings() (bool, slog.Level) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.captureLogs, c.logLevel
}

func (c *Controller) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.snapshotLocked()
}

// Scan starts a new scan session and returns its ID. The read itself runs in the
// background; use Wait or an Observer to learn the outcome.
func (c *Controller) Scan(ctx context.Context) (string, error) {
	c.mutex.Lock()
	if c.current != nil && c.current.state == Scanning {
		c.mutex.Unlock()
		slog.Warn("Rejected scan request, another scan is in progress")
		return "", ErrScanInProgress
	}
	if !c.validation.AllValid() {
		c.mutex.Unlock()
		return "", ErrFieldsInvalid
	}

	c.discardLocked()
	c.logs.SetLevel(c.logLevel)
	c.logs.SetEnabled(c.captureLogs)
	c.logs.Clear()

	s := &scanSession{
		id:        c.newID(),
		state:     Scanning,
		done:      make(chan struct{}),
		startedAt: c.now(),
	}
	c.current = s

	key, err := mrz.BuildKey(c.validation)
	if err != nil {
		s.state = Failed
		s.err = fmt.Errorf("failed to derive MRZ key: %w", err)
		s.finishedAt = c.now()
		snapshot := c.snapshotLocked()
		c.mutex.Unlock()

		slog.Error("MRZ key derivation failed", "session_id", s.id, "error", err)
		c.notify(snapshot)
		close(s.done)
		return s.id, s.err
	}
	s.key = key

	scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ScanTimeout)
	s.cancel = cancel
	previousRead := c.lastRead
	readDone := make(chan struct{})
	c.lastRead = readDone
	snapshot := c.snapshotLocked()
	c.mutex.Unlock()

	slog.Info("Starting passport scan", "session_id", s.id, "timeout", c.config.ScanTimeout)
	c.notify(snapshot)

	results := make(chan outcome, 1)
	go c.read(scanCtx, s.id, key, previousRead, readDone, results)
	go c.await(scanCtx, s, results)

	return s.id, nil
}

// Cancel aborts the scan in progress; the session ends up Failed with ErrScanCancelled.
func (c *Controller) Cancel() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.current == nil || c.current.state != Scanning {
		return ErrNotScanning
	}
	slog.Info("Cancelling passport scan", "session_id", c.current.id)
	c.current.cancel()
	return nil
}

// Wait blocks until the current session is no longer scanning, or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mutex.Lock()
	var done chan struct{}
	if c.current != nil {
		done = c.current.done
	}
	c.mutex.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	return c.Snapshot(), nil
}

// read hands the key to the reader once the read of a superseded session has
// returned, so the reader never sees two reads at a time.
func (c *Controller) read(ctx context.Context, id string, key mrz.Key, previous <-chan struct{}, done chan<- struct{}, results chan<- outcome) {
	defer close(done)

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			results <- outcome{err: ctx.Err()}
			return
		}
	}

	if err := c.reader.SetMasterListURL(c.config.MasterListURL); err != nil {
		results <- outcome{err: fmt.Errorf("failed to configure master list: %w", err)}
		return
	}

	slog.Debug("Invoking passport reader", "session_id", id)
	record, err := c.reader.ReadPassport(ctx, key.String(), c.displayMessage)
	results <- outcome{record: record, err: err}
}

// await is the only place where a read outcome is turned into session state.
func (c *Controller) await(ctx context.Context, s *scanSession, results <-chan outcome) {
	var o outcome
	select {
	case o = <-results:
	case <-ctx.Done():
	}
	s.cancel()

	if o.record == nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			o.err = ErrScanTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			o.err = ErrScanCancelled
		case o.err == nil:
			o.err = ErrNoRecord
		}
	}
	c.finish(s.id, o)
}

func (c *Controller) finish(id string, o outcome) {
	c.mutex.Lock()
	s := c.current
	if s == nil || s.id != id || s.state != Scanning {
		c.mutex.Unlock()
		slog.Debug("Discarding outcome of a superseded scan", "session_id", id)
		return
	}

	if o.record != nil {
		s.state = Succeeded
		s.record = o.record
	} else {
		s.state = Failed
		s.err = o.err
	}
	s.finishedAt = c.now()
	snapshot := c.snapshotLocked()
	c.mutex.Unlock()

	if snapshot.State == Succeeded {
		slog.Info("Passport scan succeeded", "session_id", id)
	} else {
		slog.Warn("Passport scan failed", "session_id", id, "error", snapshot.Err)
	}
	c.notify(snapshot)
	// observers have seen the final state before waiters are released
	close(s.done)
}

// discardLocked drops the current session and its key. A scanning session is
// cancelled and its waiters released; its late outcome is ignored by finish.
func (c *Controller) discardLocked() {
	s := c.current
	if s == nil {
		return
	}
	if s.state == Scanning {
		slog.Info("Discarding scan in progress", "session_id", s.id)
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	}
	c.current = nil
}

func (c *Controller) displayMessage(kind models.DisplayMessageKind) (string, bool) {
	switch kind {
	case models.RequestPresentPassport:
		return c.config.PresentPassportPrompt, true
	default:
		// use the reader's default wording
		return "", false
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		State:       Idle,
		Fields:      c.fields,
		Validation:  c.validation,
		ScanEnabled: c.validation.AllValid(),
	}

	s := c.current
	if s == nil {
		return snapshot
	}

	snapshot.ID = s.id
	snapshot.State = s.state
	snapshot.MrzKey = s.key
	snapshot.Record = s.record
	snapshot.Err = s.err
	if s.err != nil {
		snapshot.Error = s.err.Error()
	}
	startedAt := s.startedAt
	snapshot.StartedAt = &startedAt
	if !s.finishedAt.IsZero() {
		finishedAt := s.finishedAt
		snapshot.FinishedAt = &finishedAt
	}
	if s.state == Scanning {
		snapshot.ScanEnabled = false
	}
	return snapshot
}

func (c *Controller) notify(snapshot Snapshot) {
	for _, o := range c.observers {
		o.SessionChanged(snapshot)
	}
}
