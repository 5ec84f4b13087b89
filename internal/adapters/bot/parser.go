package bot

import (
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-title-bot/internal/domain"
)

// percentPattern распознаёт результат исходного бота вида "I am 42% gay!",
// без учёта регистра.
var percentPattern = regexp.MustCompile(`(?i)I am (\d{1,3})% gay`)

// ParsePercentageMessage извлекает процент из текста сообщения.
// Второе значение false, если текст не похож на результат.
func ParsePercentageMessage(text string) (domain.Percentage, bool) {
	m := percentPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	pct, err := domain.ParsePercentage(m[1])
	if err != nil {
		return 0, false
	}
	return pct, true
}

// EventTarget определяет, нужно ли обрабатывать сообщение и чей это результат.
// Сообщение, отправленное через исходного inline-бота, принадлежит отправителю.
// Сообщение от самого исходного бота в ответ на чужое сообщение принадлежит
// автору того сообщения.
func EventTarget(msg *tgbotapi.Message, sourceBot string) (int64, bool) {
	if msg == nil || msg.From == nil {
		return 0, false
	}
	if msg.ViaBot != nil && strings.EqualFold(msg.ViaBot.UserName, sourceBot) {
		return msg.From.ID, true
	}
	if strings.EqualFold(msg.From.UserName, sourceBot) && msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.ID, true
	}
	return 0, false
}
