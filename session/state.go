package session

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	Scanning
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrFieldsInvalid  = errors.New("passport details are incomplete or invalid")
	ErrScanInProgress = errors.New("a scan is already in progress")
	ErrNotScanning    = errors.New("no scan in progress")
	ErrNoRecord       = errors.New("reader finished without a passport record")
	ErrScanTimeout    = errors.New("scan timed out")
	ErrScanCancelled  = errors.New("scan was cancelled")
)
