package sse

type Kind int

const (
	KindAnswer Kind = iota + 1
	KindThinking
	KindCitation
	KindMeta
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindAnswer:
		return "answer"
	case KindThinking:
		return "thinking"
	case KindCitation:
		return "citation"
	case KindMeta:
		return "meta"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

type Citation struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Event is one decoded upstream stream segment.
type Event struct {
	Kind      Kind
	Text      string
	Citations []Citation
	MessageID string
}
