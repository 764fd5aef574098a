package domain

// MediaKind selects which legs of a media relation an operation applies to.
type MediaKind int

const (
	MediaAll MediaKind = iota
	MediaAudio
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "AUDIO"
	case MediaVideo:
		return "VIDEO"
	default:
		return "ALL"
	}
}

// ParseMediaKind maps the wire muteType values onto a MediaKind.
// Anything unrecognized means both legs.
func ParseMediaKind(s string) MediaKind {
	switch s {
	case "AUDIO", "audio":
		return MediaAudio
	case "VIDEO", "video":
		return MediaVideo
	default:
		return MediaAll
	}
}
