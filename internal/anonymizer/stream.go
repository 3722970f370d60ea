package anonymizer

import "regexp"

// openPlaceholderRe matches a placeholder that a chunk boundary cut short.
var openPlaceholderRe = regexp.MustCompile(`<[A-Z0-9_]*$`)

// placeholders never grow past the mapping column width
const maxPlaceholderLen = 64

// StreamRestorer restores placeholders in streamed text. A placeholder split across
// chunks is held back until the chunk that closes it arrives.
type StreamRestorer struct {
	values  map[string]string
	pending string
}

func NewStreamRestorer(values map[string]string) *StreamRestorer {
	return &StreamRestorer{values: values}
}

// Push returns the restored text that is safe to emit so far. It may be empty.
func (r *StreamRestorer) Push(chunk string) string {
	text := r.pending + chunk
	r.pending = ""
	if len(r.values) == 0 {
		return text
	}
	if loc := openPlaceholderRe.FindStringIndex(text); loc != nil && loc[1]-loc[0] < maxPlaceholderLen {
		r.pending = text[loc[0]:]
		text = text[:loc[0]]
	}
	return Restore(text, r.values)
}

// Flush returns whatever is still held back once the stream has ended.
func (r *StreamRestorer) Flush() string {
	text := r.pending
	r.pending = ""
	return Restore(text, r.values)
}
