package pipeline

// minChunkChars is the shortest run of text the Thinking stage will flush
// as a standalone TTS chunk.
const minChunkChars = 24

// firstSentenceBoundary returns the index of the first '.', '!', '?', or
// '\n' in s that closes a chunk of at least minChunkChars bytes, or -1 if
// none exists yet. For '.', '!', '?' the boundary only counts when
// followed by whitespace or end-of-string, so decimals and abbreviations
// mid-stream are not split early, with a minimum-length gate added so
// very short fragments aren't flushed as their own chunk.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 < minChunkChars {
				continue
			}
			if i == len(s)-1 || isBoundarySpace(s[i+1]) {
				return i
			}
		case '\n':
			if i+1 >= minChunkChars {
				return i
			}
		}
	}
	return -1
}

func isBoundarySpace(b byte) bool {
	switch b {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}
