package bot

import (
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestParsePercentageMessage(t *testing.T) {
	cases := []struct {
		text string
		pct  int
		ok   bool
	}{
		{"I am 42% gay!", 42, true},
		{"I am 0% gay!", 0, true},
		{"I am 100% gay!", 100, true},
		{"🌈 I am 7% gay! 🌈", 7, true},
		{"i AM 42% GAY!", 42, true},
		{"I am 146% gay!", 0, false},
		{"I am gay!", 0, false},
		{"какой-то другой текст", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		pct, ok := ParsePercentageMessage(c.text)
		if ok != c.ok {
			t.Fatalf("%q: ожидали ok=%v, получили %v", c.text, c.ok, ok)
		}
		if ok && pct.Int() != c.pct {
			t.Fatalf("%q: ожидали %d, получили %d", c.text, c.pct, pct.Int())
		}
	}
}

func TestEventTarget(t *testing.T) {
	msg := &tgbotapi.Message{
		From:   &tgbotapi.User{ID: 42},
		ViaBot: &tgbotapi.User{UserName: "HowGayBot"},
	}
	id, ok := EventTarget(msg, "HowGayBot")
	if !ok || id != 42 {
		t.Fatalf("ожидали (42, true), получили (%d, %v)", id, ok)
	}
}

func TestEventTargetCaseInsensitive(t *testing.T) {
	msg := &tgbotapi.Message{
		From:   &tgbotapi.User{ID: 42},
		ViaBot: &tgbotapi.User{UserName: "howgaybot"},
	}
	if _, ok := EventTarget(msg, "HowGayBot"); !ok {
		t.Fatal("имя бота должно сравниваться без учёта регистра")
	}
}

func TestEventTargetRejectsDirectMessage(t *testing.T) {
	msg := &tgbotapi.Message{From: &tgbotapi.User{ID: 42}}
	if _, ok := EventTarget(msg, "HowGayBot"); ok {
		t.Fatal("сообщение без via_bot не должно засчитываться")
	}
}

func TestEventTargetReplyFromSourceBot(t *testing.T) {
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1000, UserName: "HowGayBot", IsBot: true},
		ReplyToMessage: &tgbotapi.Message{
			From: &tgbotapi.User{ID: 42},
		},
	}
	id, ok := EventTarget(msg, "HowGayBot")
	if !ok || id != 42 {
		t.Fatalf("результат из ответа бота принадлежит автору сообщения: ожидали (42, true), получили (%d, %v)", id, ok)
	}
}

func TestEventTargetReplyFromRegularUser(t *testing.T) {
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 7, UserName: "someone"},
		ReplyToMessage: &tgbotapi.Message{
			From: &tgbotapi.User{ID: 42},
		},
	}
	if _, ok := EventTarget(msg, "HowGayBot"); ok {
		t.Fatal("ответ обычного пользователя не должен засчитываться")
	}
}

func TestEventTargetRejectsOtherBot(t *testing.T) {
	msg := &tgbotapi.Message{
		From:   &tgbotapi.User{ID: 42},
		ViaBot: &tgbotapi.User{UserName: "SomeOtherBot"},
	}
	if _, ok := EventTarget(msg, "HowGayBot"); ok {
		t.Fatal("результат чужого бота не должен засчитываться")
	}
}

func TestSplitMessageShort(t *testing.T) {
	parts := SplitMessage("привет")
	if len(parts) != 1 || parts[0] != "привет" {
		t.Fatalf("ожидали одну часть, получили %v", parts)
	}
}

func TestSplitMessageLongOnNewlines(t *testing.T) {
	line := strings.Repeat("x", 100)
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString(line)
		b.WriteString("\n")
	}
	parts := SplitMessage(b.String())
	if len(parts) < 2 {
		t.Fatalf("ожидали несколько частей, получили %d", len(parts))
	}
	for _, p := range parts {
		if len([]rune(p)) > messageLimit {
			t.Fatalf("часть длиннее лимита: %d", len([]rune(p)))
		}
	}
}
