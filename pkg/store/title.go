package store

// titleMaxRunes is how much of the first user message becomes the title.
const titleMaxRunes = 30

// DeriveTitle builds a conversation title from its first user message: the
// first 30 characters, with "..." appended when the message was longer.
func DeriveTitle(firstMessage string) string {
	runes := []rune(firstMessage)
	if len(runes) <= titleMaxRunes {
		return firstMessage
	}

	return string(runes[:titleMaxRunes]) + "..."
}
