package title

import (
	"context"
	"testing"

	"tg-title-bot/internal/domain"
)

type fixedCounter struct {
	count int
	calls int
}

func (c *fixedCounter) CountAll(context.Context) (int, error) {
	c.calls++
	return c.count, nil
}

func compute(t *testing.T, full, current string, pct int, counter domain.ActiveUserCounter) domain.Title {
	t.Helper()
	p, err := domain.NewPercentage(pct)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	result, err := ComputeDisplayedTitle(context.Background(), domain.Title(full), domain.Title(current), p, counter)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return result
}

func TestComputeDisplayedTitleBuckets(t *testing.T) {
	full := "Super Gay Title" // 13 букв
	counter := &fixedCounter{count: 4}
	cases := []struct {
		name     string
		current  string
		pct      int
		expected string
	}{
		{"ноль процентов добавляет три буквы", "", 0, "Sup"},
		{"низкий бакет добавляет букву", "Sup", 3, "Supe"},
		{"средний бакет не меняет титул", "Super", 50, "Super"},
		{"высокий бакет убирает букву", "Super", 97, "Supe"},
		{"сотня вычитает число активных", "Super Gayap", 100, "Super G"},
	}
	for _, c := range cases {
		if got := compute(t, full, c.current, c.pct, counter); got.String() != c.expected {
			t.Fatalf("%s: ожидали %q, получили %q", c.name, c.expected, got)
		}
	}
}

func TestComputeDisplayedTitleClampsToZero(t *testing.T) {
	counter := &fixedCounter{count: 100}
	if got := compute(t, "abc", "abc", 100, counter); got != "" {
		t.Fatalf("ожидали пустой титул, получили %q", got)
	}
	if got := compute(t, "a", "a", 97, counter); got != "" {
		t.Fatalf("ожидали пустой титул после -1, получили %q", got)
	}
}

func TestComputeDisplayedTitleCapsAtFullTitle(t *testing.T) {
	counter := &fixedCounter{}
	if got := compute(t, "abcd", "abc", 0, counter); got != "abcd" {
		t.Fatalf("ожидали полный титул, получили %q", got)
	}
}

func TestComputeDisplayedTitleEmptyFullPreservesCurrent(t *testing.T) {
	counter := &fixedCounter{}
	if got := compute(t, "", "Sup", 0, counter); got != "Sup" {
		t.Fatalf("пустой базовый титул должен сохранить текущий, получили %q", got)
	}
}

func TestComputeDisplayedTitleClampsOversizedCurrent(t *testing.T) {
	counter := &fixedCounter{}
	// Админ укоротил базовый титул: текущий длиннее допустимого.
	if got := compute(t, "abc", "abcdefgh", 50, counter); got != "abc" {
		t.Fatalf("ожидали ужатие до базового, получили %q", got)
	}
	if got := compute(t, "abcde", "abcdefgh", 97, counter); got != "abcd" {
		t.Fatalf("ожидали ужатие и -1, получили %q", got)
	}
}

func TestComputeDisplayedTitleCounterOnlyForSaturation(t *testing.T) {
	counter := &fixedCounter{count: 2}
	for _, pct := range []int{0, 3, 50, 97} {
		compute(t, "Super Gay Title", "Super", pct, counter)
	}
	if counter.calls != 0 {
		t.Fatalf("счётчик не должен вызываться вне бакета 100%%, вызовов: %d", counter.calls)
	}
	compute(t, "Super Gay Title", "Super", 100, counter)
	if counter.calls != 1 {
		t.Fatalf("ожидали один вызов счётчика, получили %d", counter.calls)
	}
}

func TestBucketNames(t *testing.T) {
	cases := map[int]string{0: "zero", 1: "low", 5: "low", 6: "steady", 94: "steady", 95: "high", 99: "high", 100: "saturated"}
	for pct, expected := range cases {
		p, _ := domain.NewPercentage(pct)
		if got := Bucket(p); got != expected {
			t.Fatalf("Bucket(%d): ожидали %s, получили %s", pct, expected, got)
		}
	}
}
