package relay

// Reply size limits, in runes.
const (
	MaxReplyLength = 2000
	ChunkLength    = 1900
)

// SplitMessage returns text unchanged when it fits in MaxReplyLength, and
// otherwise cuts it into consecutive pieces of at most ChunkLength runes.
func SplitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= MaxReplyLength {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+ChunkLength-1)/ChunkLength)
	for start := 0; start < len(runes); start += ChunkLength {
		end := min(start+ChunkLength, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
