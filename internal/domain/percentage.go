package domain

import (
	"fmt"
	"strconv"
)

// Percentage — целочисленный процент в диапазоне [0, 100].
type Percentage int

// NewPercentage валидирует значение и возвращает Percentage.
func NewPercentage(value int) (Percentage, error) {
	if value < 0 || value > 100 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPercentage, value)
	}
	return Percentage(value), nil
}

// ParsePercentage разбирает строковое представление процента.
func ParsePercentage(raw string) (Percentage, error) {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPercentage, raw)
	}
	return NewPercentage(value)
}

// Int возвращает числовое значение процента.
func (p Percentage) Int() int {
	return int(p)
}
