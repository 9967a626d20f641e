// Package reader turns chip readouts posted by a companion NFC app into
// authenticated passport records.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-passport-reader/models"
	"go-passport-reader/mrz"

	"github.com/gmrtd/gmrtd/cms"
	"github.com/gmrtd/gmrtd/document"
	"github.com/gmrtd/gmrtd/utils"
)

var (
	ErrAccessDenied      = errors.New("chip readout does not match the entered passport details")
	ErrNoPendingRead     = errors.New("no passport read is waiting for a chip readout")
	ErrReadInProgress    = errors.New("a passport read is already waiting for a chip readout")
	ErrAlreadyDelivered  = errors.New("a chip readout was already delivered for this read")
	ErrMasterListMissing = errors.New("master list has not been loaded")
)

var defaultMessages = map[models.DisplayMessageKind]string{
	models.RequestPresentPassport:     "Hold your phone near an NFC enabled passport.",
	models.AuthenticatingWithPassport: "Authenticating with passport.....",
	models.ReadingDataGroupProgress:   "Reading passport data.....",
	models.DisplayError:               "Sorry, there was a problem reading the passport. Please try again.",
	models.SuccessfulRead:             "Passport read successfully",
}

// ChipReader waits for the companion app to deliver the chip content of the
// passport the user presents, then verifies and decodes it.
type ChipReader struct {
	mutex         sync.Mutex
	masterListURL string
	certPool      cms.CertPool
	pending       chan models.ChipReadout
	prompt        string

	loadMasterList func(string) (cms.CertPool, error)
	now            func() time.Time
}

func NewChipReader() *ChipReader {
	return &ChipReader{
		loadMasterList: LoadMasterList,
		now:            time.Now,
	}
}

// SetMasterListURL loads the trust anchors for passive authentication. The pool is
// cached for as long as the URL does not change.
func (r *ChipReader) SetMasterListURL(url string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.certPool != nil && r.masterListURL == url {
		return nil
	}

	pool, err := r.loadMasterList(url)
	if err != nil {
		return err
	}
	r.masterListURL = url
	r.certPool = pool
	return nil
}

// Prompt returns the message currently shown to the user, if any.
func (r *ChipReader) Prompt() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.prompt
}

// Waiting reports whether a read is waiting for a chip readout.
func (r *ChipReader) Waiting() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.pending != nil
}

// Deliver hands the chip content to the read that is waiting for it.
func (r *ChipReader) Deliver(readout models.ChipReadout) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.pending == nil {
		return ErrNoPendingRead
	}
	select {
	case r.pending <- readout:
		return nil
	default:
		return ErrAlreadyDelivered
	}
}

// ReadPassport asks the user to present the passport and blocks until a readout
// is delivered or ctx is done. The readout is only accepted when its MRZ yields
// mrzKey, mirroring the BAC/PACE access check of a real chip.
func (r *ChipReader) ReadPassport(ctx context.Context, mrzKey string, display models.DisplayMessageFunc) (*models.PassportRecord, error) {
	r.mutex.Lock()
	if r.pending != nil {
		r.mutex.Unlock()
		return nil, ErrReadInProgress
	}
	if r.certPool == nil {
		r.mutex.Unlock()
		return nil, ErrMasterListMissing
	}
	pending := make(chan models.ChipReadout, 1)
	r.pending = pending
	certPool := r.certPool
	r.mutex.Unlock()

	defer func() {
		r.mutex.Lock()
		if r.pending == pending {
			r.pending = nil
		}
		r.mutex.Unlock()
	}()

	r.show(display, models.RequestPresentPassport, "")

	var readout models.ChipReadout
	select {
	case readout = <-pending:
	case <-ctx.Done():
		r.clearPrompt()
		return nil, fmt.Errorf("waiting for chip readout: %w", ctx.Err())
	}

	record, err := r.process(readout, mrzKey, certPool, display)
	if err != nil {
		slog.Warn("passport read failed", "error", err)
		r.show(display, models.DisplayError, "")
		return nil, err
	}
	r.show(display, models.SuccessfulRead, "")
	return record, nil
}

func (r *ChipReader) process(readout models.ChipReadout, mrzKey string, certPool cms.CertPool, display models.DisplayMessageFunc) (*models.PassportRecord, error) {
	dg1Hex, ok := readout.DataGroups["DG1"]
	if !ok {
		return nil, fmt.Errorf("DG1 is mandatory but was not provided")
	}
	dg1, err := document.NewDG1(utils.HexToBytes(dg1Hex))
	if err != nil {
		return nil, fmt.Errorf("failed to create DG1 (mandatory): %w", err)
	}

	chipKey, err := mrz.KeyFromMRZ(dg1.Mrz.DocumentNumber, dg1.Mrz.DateOfBirth, dg1.Mrz.DateOfExpiry)
	if err != nil || chipKey.String() != mrzKey {
		return nil, ErrAccessDenied
	}

	r.show(display, models.AuthenticatingWithPassport, "")

	doc, err := buildDocument(readout, func(dg string) {
		r.show(display, models.ReadingDataGroupProgress, dg)
	})
	if err != nil {
		return nil, err
	}

	passive := passiveAuthentication(&doc, certPool)
	active, err := activeAuthentication(readout, &doc)
	if err != nil {
		return nil, err
	}

	return toPassportRecord(&doc, passive, active, r.now())
}

func (r *ChipReader) show(display models.DisplayMessageFunc, kind models.DisplayMessageKind, dataGroup string) {
	msg := defaultMessages[kind]
	if kind == models.ReadingDataGroupProgress && dataGroup != "" {
		msg = fmt.Sprintf("Reading %s.....", dataGroup)
	}
	if display != nil {
		if custom, ok := display(kind); ok {
			msg = custom
		}
	}

	r.mutex.Lock()
	r.prompt = msg
	r.mutex.Unlock()
	slog.Debug("reader prompt", "kind", kind.String(), "message", msg)
}

func (r *ChipReader) clearPrompt() {
	r.mutex.Lock()
	r.prompt = ""
	r.mutex.Unlock()
}
