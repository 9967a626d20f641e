package models

// DisplayMessageKind enumerates the prompts a reader shows while a scan progresses.
type DisplayMessageKind int

const (
	RequestPresentPassport DisplayMessageKind = iota
	AuthenticatingWithPassport
	ReadingDataGroupProgress
	DisplayError
	SuccessfulRead
)

func (k DisplayMessageKind) String() string {
	switch k {
	case RequestPresentPassport:
		return "request_present_passport"
	case AuthenticatingWithPassport:
		return "authenticating_with_passport"
	case ReadingDataGroupProgress:
		return "reading_data_group_progress"
	case DisplayError:
		return "error"
	case SuccessfulRead:
		return "successful_read"
	default:
		return "unknown"
	}
}

// DisplayMessageFunc returns a replacement text for a prompt, or false to keep the
// reader's default wording.
type DisplayMessageFunc func(DisplayMessageKind) (string, bool)
