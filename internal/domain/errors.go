package domain

import "errors"

var (
	// ErrUserNotFound возвращается, если пользователь не зарегистрирован.
	ErrUserNotFound = errors.New("пользователь не найден")
	// ErrTitleLocked возвращается при попытке автоматически изменить заблокированный титул.
	ErrTitleLocked = errors.New("титул заблокирован")
	// ErrInvalidPercentage возвращается для процента вне диапазона 0-100.
	ErrInvalidPercentage = errors.New("некорректный процент")
	// ErrInvalidDefaultTitle возвращается для недопустимого дефолтного титула.
	ErrInvalidDefaultTitle = errors.New("некорректный дефолтный титул")
)
