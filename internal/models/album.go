// Package models defines album catalog structures for the Virasat fulfillment engine.
package models

import "time"

// AlbumQuestion is one prompt in an album's ordered question list. Question
// text is bilingual; TextHindi may be empty for English-only albums.
type AlbumQuestion struct {
	Position  int    `json:"position"`
	TextEN    string `json:"text_en"`
	TextHN    string `json:"text_hn,omitempty"`
}

// TextFor returns the question text for the given language preference,
// falling back to English when no translation exists.
func (q AlbumQuestion) TextFor(lang Language) string {
	if lang == LanguageHindi && q.TextHN != "" {
		return q.TextHN
	}
	return q.TextEN
}

// Album is read-mostly reference data owned by an external admin surface.
// The conversation engine consumes it to know how many questions exist and
// what text to send next; checkout consumes it for the price.
type Album struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	PricePaise  int64           `json:"price_paise"`
	CoverURL    string          `json:"cover_url,omitempty"`
	Active      bool            `json:"active"`
	Questions   []AlbumQuestion `json:"questions"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// QuestionCount returns the number of questions in the album.
func (a *Album) QuestionCount() int {
	return len(a.Questions)
}

// QuestionAt returns the question at the given zero-based index, or false if
// the index is out of range.
func (a *Album) QuestionAt(index int) (AlbumQuestion, bool) {
	if index < 0 || index >= len(a.Questions) {
		return AlbumQuestion{}, false
	}
	return a.Questions[index], true
}
