package types

import "strings"

// labelKind discriminates the SpeakerLabel sum type.
type labelKind int

const (
	labelUnknown labelKind = iota
	labelGuest
	labelKnown
)

// SpeakerLabel is the canonical speaker attribution: a known enrolled speaker,
// an unenrolled guest, or unknown. All string forms ("CH", "chaffee",
// "GUEST", …) are normalised into this type at the boundary; internal code
// never compares raw strings.
//
// The zero value is Unknown.
type SpeakerLabel struct {
	kind labelKind
	name string
}

// KnownSpeaker returns the label for an enrolled speaker with the given
// canonical name.
func KnownSpeaker(name string) SpeakerLabel {
	return SpeakerLabel{kind: labelKnown, name: name}
}

// Guest returns the label for a speaker that is present but not enrolled.
func Guest() SpeakerLabel { return SpeakerLabel{kind: labelGuest} }

// Unknown returns the label for audio that could not be attributed.
func Unknown() SpeakerLabel { return SpeakerLabel{} }

// IsKnown reports whether the label names an enrolled speaker.
func (l SpeakerLabel) IsKnown() bool { return l.kind == labelKnown }

// IsGuest reports whether the label is the guest class.
func (l SpeakerLabel) IsGuest() bool { return l.kind == labelGuest }

// IsUnknown reports whether the label is the unknown class.
func (l SpeakerLabel) IsUnknown() bool { return l.kind == labelUnknown }

// Name returns the canonical speaker name for known labels and "" otherwise.
func (l SpeakerLabel) Name() string {
	if l.kind == labelKnown {
		return l.name
	}
	return ""
}

// Is reports whether the label names the given speaker, case-insensitively.
func (l SpeakerLabel) Is(name string) bool {
	return l.kind == labelKnown && strings.EqualFold(l.name, name)
}

// String renders the label for persistence and logs: the canonical name for
// known speakers, "GUEST" for guests, and "UNKNOWN" for unknown. Deployments
// that configure a different unknown label substitute it at the persistence
// boundary, not here.
func (l SpeakerLabel) String() string {
	switch l.kind {
	case labelKnown:
		return l.name
	case labelGuest:
		return "GUEST"
	default:
		return "UNKNOWN"
	}
}

// ParseSpeakerLabel normalises a raw string form into a SpeakerLabel using the
// loaded profiles for alias resolution. Unrecognised non-empty strings map to
// Guest; empty strings map to Unknown.
func ParseSpeakerLabel(raw string, profiles []*VoiceProfile) SpeakerLabel {
	norm := strings.TrimSpace(raw)
	if norm == "" {
		return Unknown()
	}
	switch strings.ToUpper(norm) {
	case "UNKNOWN":
		return Unknown()
	case "GUEST":
		return Guest()
	}
	for _, p := range profiles {
		if p.Matches(norm) {
			if p.DuplicateOf != "" {
				return KnownSpeaker(p.DuplicateOf)
			}
			return KnownSpeaker(p.Name)
		}
	}
	return Guest()
}
