package store

import "errors"

// Типизированные ошибки хранилища. "Не найдено" и "уже существует" — это
// нормальные исходы, а не сбои: вызывающий код проверяет их через errors.Is.
var (
	// ErrNotFound возвращается, когда запись отсутствует
	ErrNotFound = errors.New("запись не найдена")

	// ErrAlreadyExists возвращается, когда вставка отклонена ограничением
	// уникальности. База данных — финальный арбитр гонок: приложение
	// трактует эту ошибку как идемпотентную ветку, а не как сбой.
	// Вставки идут через ON CONFLICT DO NOTHING, поэтому конфликт не
	// прерывает транзакцию, внутри которой он случился.
	ErrAlreadyExists = errors.New("запись уже существует")
)
