package title

import (
	"context"
	"fmt"

	"tg-title-bot/internal/domain"
)

// Бакеты процентов и сдвиг числа букв относительно текущего титула:
//
//	0      → +3
//	1–5    → +1
//	6–94   → 0 (титул не меняется)
//	95–99  → −1
//	100    → −(число активных пользователей), читается вживую
const (
	bucketZeroDelta = 3
	bucketLowDelta  = 1
	bucketHighDelta = -1
)

// Bucket возвращает имя бакета процента для метрик и логов.
func Bucket(pct domain.Percentage) string {
	switch p := pct.Int(); {
	case p == 0:
		return "zero"
	case p <= 5:
		return "low"
	case p <= 94:
		return "steady"
	case p <= 99:
		return "high"
	default:
		return "saturated"
	}
}

// ComputeDisplayedTitle вычисляет новый отображаемый титул по правилам бакетов.
// Функция чистая, кроме бакета 100%: там число активных пользователей читается
// через counter в момент вычисления и никогда не кэшируется, поскольку
// регистрация или удаление пользователя меняет счётчик в ту же минуту.
func ComputeDisplayedTitle(ctx context.Context, full, current domain.Title, pct domain.Percentage, counter domain.ActiveUserCounter) (domain.Title, error) {
	// Без базового титула префикс не вычислить: текущий титул сохраняется как есть.
	if full.IsEmpty() {
		return current, nil
	}

	fullCount := full.LetterCount()
	currentCount := current.LetterCount()

	var delta int
	switch p := pct.Int(); {
	case p == 0:
		delta = bucketZeroDelta
	case p >= 1 && p <= 5:
		delta = bucketLowDelta
	case p >= 6 && p <= 94:
		// Титул не меняется. Если админ укоротил базовый титул, текущий может
		// оказаться длиннее допустимого — тогда ужимаем до длины базового.
		if currentCount <= fullCount {
			return current, nil
		}
		delta = 0
	case p >= 95 && p <= 99:
		delta = bucketHighDelta
	default:
		active, err := counter.CountAll(ctx)
		if err != nil {
			return "", fmt.Errorf("подсчёт активных пользователей: %w", err)
		}
		delta = -active
	}

	if currentCount > fullCount {
		currentCount = fullCount
	}
	target := currentCount + delta
	if target < 0 {
		target = 0
	}
	if target > fullCount {
		target = fullCount
	}
	return full.PrefixByLetterCount(target), nil
}
