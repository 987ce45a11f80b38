package conversation

import (
	"fmt"

	"github.com/virasat-app/virasat/internal/models"
)

// Outbound message templates in both supported languages. The storyteller's
// language preference is fixed at checkout and never inferred from replies.

func welcomeMessage(t *models.Trial, album *models.Album) string {
	if t.Language == models.LanguageHindi {
		return fmt.Sprintf(
			"नमस्ते %s! %s ने आपके लिए \"%s\" यादों का एल्बम शुरू किया है। "+
				"हम आपसे कुछ सवाल पूछेंगे और आप अपने जवाब वॉइस नोट में भेज सकते हैं।",
			t.StorytellerName, buyerDisplayName(t), album.Title)
	}
	return fmt.Sprintf(
		"Hello %s! %s has started the \"%s\" memory album for you. "+
			"We will ask you a few questions, and you can answer each one with a voice note.",
		t.StorytellerName, buyerDisplayName(t), album.Title)
}

func readinessMessage(t *models.Trial) string {
	if t.Language == models.LanguageHindi {
		return fmt.Sprintf("%s, क्या आप अपनी यादें साझा करना शुरू करने के लिए तैयार हैं? कृपया हाँ या नहीं में जवाब दें।", t.StorytellerName)
	}
	return fmt.Sprintf("%s, are you ready to start sharing your memories? Please reply yes or no.", t.StorytellerName)
}

func questionMessage(t *models.Trial, album *models.Album, index int, q models.AlbumQuestion) string {
	text := q.TextFor(t.Language)
	if t.Language == models.LanguageHindi {
		return fmt.Sprintf("सवाल %d/%d:\n\n%s\n\nअपना जवाब वॉइस नोट में भेजें।", index+1, album.QuestionCount(), text)
	}
	return fmt.Sprintf("Question %d of %d:\n\n%s\n\nReply with a voice note whenever you are ready.", index+1, album.QuestionCount(), text)
}

func reminderMessage(t *models.Trial, q models.AlbumQuestion) string {
	text := q.TextFor(t.Language)
	if t.Language == models.LanguageHindi {
		return fmt.Sprintf("बस एक याद दिलाना चाहते थे — जब भी समय मिले, इस सवाल का जवाब वॉइस नोट में भेज दें:\n\n%s", text)
	}
	return fmt.Sprintf("Just a gentle reminder — whenever you have a moment, send a voice note answering:\n\n%s", text)
}

func completionMessage(t *models.Trial) string {
	if t.Language == models.LanguageHindi {
		return fmt.Sprintf("धन्यवाद %s! आपकी सारी यादें मिल गई हैं। हम अब आपका एल्बम तैयार कर रहे हैं।", t.StorytellerName)
	}
	return fmt.Sprintf("Thank you %s! We have received all of your memories. Your album is now being prepared.", t.StorytellerName)
}

func buyerDisplayName(t *models.Trial) string {
	if t.BuyerName != "" {
		return t.BuyerName
	}
	return "Your family"
}
