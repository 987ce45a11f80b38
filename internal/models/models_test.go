package models

import (
	"errors"
	"testing"
)

func TestTrialValidate(t *testing.T) {
	valid := Trial{
		BuyerPhone:      "+919876543210",
		StorytellerName: "Nani",
		AlbumID:         "alb_childhood",
		Language:        LanguageHindi,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid trial, got %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Trial)
		wantErr error
	}{
		{"missing buyer phone", func(tr *Trial) { tr.BuyerPhone = "" }, ErrEmptyBuyerPhone},
		{"missing storyteller name", func(tr *Trial) { tr.StorytellerName = "" }, ErrEmptyStorytellerName},
		{"missing album", func(tr *Trial) { tr.AlbumID = "" }, ErrEmptyAlbumID},
		{"bad language", func(tr *Trial) { tr.Language = "fr" }, ErrInvalidLanguage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := valid
			tc.mutate(&tr)
			if err := tr.Validate(); !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestIsValidTrialState(t *testing.T) {
	for _, s := range []TrialState{
		TrialStateAwaitingInitialContact, TrialStateAwaitingReadiness,
		TrialStateReady, TrialStateInProgress, TrialStateCompleted,
	} {
		if !IsValidTrialState(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if IsValidTrialState("paused") {
		t.Error("expected 'paused' to be invalid")
	}
}

func TestPaymentStateIsTerminal(t *testing.T) {
	if PaymentStatePending.IsTerminal() {
		t.Error("PENDING must not be terminal")
	}
	if !PaymentStateCompleted.IsTerminal() || !PaymentStateFailed.IsTerminal() {
		t.Error("COMPLETED and FAILED must be terminal")
	}
}

func TestAlbumQuestionTextFor(t *testing.T) {
	q := AlbumQuestion{Position: 0, TextEN: "Where were you born?", TextHN: "आपका जन्म कहाँ हुआ था?"}
	if got := q.TextFor(LanguageHindi); got != q.TextHN {
		t.Errorf("expected Hindi text, got %q", got)
	}
	if got := q.TextFor(LanguageEnglish); got != q.TextEN {
		t.Errorf("expected English text, got %q", got)
	}

	englishOnly := AlbumQuestion{TextEN: "What was your first job?"}
	if got := englishOnly.TextFor(LanguageHindi); got != englishOnly.TextEN {
		t.Errorf("expected English fallback, got %q", got)
	}
}

func TestAlbumQuestionAt(t *testing.T) {
	album := Album{Questions: []AlbumQuestion{{Position: 0, TextEN: "q0"}, {Position: 1, TextEN: "q1"}}}
	if album.QuestionCount() != 2 {
		t.Fatalf("expected 2 questions, got %d", album.QuestionCount())
	}
	if q, ok := album.QuestionAt(1); !ok || q.TextEN != "q1" {
		t.Errorf("QuestionAt(1) = %+v, %v", q, ok)
	}
	if _, ok := album.QuestionAt(2); ok {
		t.Error("QuestionAt(2) should be out of range")
	}
}
