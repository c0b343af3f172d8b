package listen

import "github.com/MrWong99/echolens/pkg/recognizer"

// Class is the controller's view of a recognizer fault. The class decides how
// a fault is logged and whether a retried start is expected to succeed; every
// class returns the session state machine to idle.
type Class int

const (
	// ClassTransient faults (busy handle, network blips) are expected to
	// clear on the next start attempt. Not surfaced to the user.
	ClassTransient Class = iota

	// ClassPermanent faults (missing permission, client misuse) will not
	// clear without operator intervention.
	ClassPermanent

	// ClassInformational faults (no match, speech timeout) are normal
	// session endings with an empty transcript, not errors.
	ClassInformational
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassInformational:
		return "informational"
	default:
		return "unknown"
	}
}

// Classify maps a recognizer fault code onto the controller's taxonomy.
func Classify(code recognizer.ErrorCode) Class {
	switch code {
	case recognizer.ErrCodeNoMatch, recognizer.ErrCodeSpeechTimeout:
		return ClassInformational
	case recognizer.ErrCodeBusy, recognizer.ErrCodeNetwork, recognizer.ErrCodeNetworkTimeout, recognizer.ErrCodeServer:
		return ClassTransient
	case recognizer.ErrCodePermissions, recognizer.ErrCodeClient, recognizer.ErrCodeAudio:
		return ClassPermanent
	default:
		return ClassTransient
	}
}
