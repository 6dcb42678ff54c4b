package core

import "strings"

// MemoryCard is a long-lived fact about a character, sourced from the
// character record store. This module never mutates cards.
type MemoryCard struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Format returns the text used both for embedding the card and for
// presenting it as a search result.
func (c MemoryCard) Format() string {
	return strings.TrimSpace(c.Key + ": " + c.Text)
}
