package domain

import "strings"

// Title — строка титула. Значение неизменяемо, все операции возвращают новый Title.
type Title string

// String возвращает значение титула.
func (t Title) String() string {
	return string(t)
}

// IsEmpty сообщает, пустой ли титул.
func (t Title) IsEmpty() bool {
	return t == ""
}

func isTitleLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// LetterCount считает буквы титула: учитываются только латинские буквы и цифры,
// пробелы, пунктуация и прочие символы в счёт не входят.
func (t Title) LetterCount() int {
	count := 0
	for _, r := range t {
		if isTitleLetter(r) {
			count++
		}
	}
	return count
}

// PrefixByLetterCount возвращает кратчайший префикс титула, содержащий ровно
// min(n, LetterCount) букв. Небуквенные символы до среза сохраняются,
// поэтому структура исходной строки не теряется. n <= 0 даёт пустой титул,
// n >= LetterCount — титул целиком.
func (t Title) PrefixByLetterCount(n int) Title {
	if n <= 0 || t == "" {
		return ""
	}
	if n >= t.LetterCount() {
		return t
	}
	var b strings.Builder
	taken := 0
	for _, r := range t {
		b.WriteRune(r)
		if isTitleLetter(r) {
			taken++
			if taken == n {
				break
			}
		}
	}
	return Title(b.String())
}
