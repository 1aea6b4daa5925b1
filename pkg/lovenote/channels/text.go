package channels

// SplitText breaks text into chunks of at most maxRunes characters,
// preferring to cut after a newline in the second half of a chunk.
func SplitText(text string, maxRunes int) []string {
	runes := []rune(text)
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return []string{text}
	}
	var chunks []string
	for len(runes) > maxRunes {
		cutAt := maxRunes
		for i := maxRunes - 1; i > maxRunes/2; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
