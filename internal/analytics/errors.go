package analytics

import (
	"errors"
	"fmt"

	"guardstat-service/internal/models"
)

var (
	// ErrIndexNotBuilt индекс глобальных аномалий еще не построен
	ErrIndexNotBuilt = errors.New("global anomaly index not built")
	// ErrIndexAlreadyBuilt повторное построение индекса в рамках сессии
	ErrIndexAlreadyBuilt = errors.New("global anomaly index already built")
)

// OutOfOrderInputError отсчеты хоста переданы не по возрастанию epoch
type OutOfOrderInputError struct {
	Host     string
	Previous int64
	Epoch    int64
	Position int
}

func (e *OutOfOrderInputError) Error() string {
	return fmt.Sprintf("host %s: sample %d at epoch %d is not after epoch %d",
		e.Host, e.Position, e.Epoch, e.Previous)
}

// EmptyInputError базовая линия запрошена по пустому набору delta
type EmptyInputError struct {
	Host  string
	Scope models.Scope
	Date  string
}

func (e *EmptyInputError) Error() string {
	if e.Date != "" {
		return fmt.Sprintf("host %s: no deltas for %s baseline on %s", e.Host, e.Scope, e.Date)
	}
	return fmt.Sprintf("host %s: no deltas for %s baseline", e.Host, e.Scope)
}

// MissingBaselineError для хоста/даты нет дневной или общей базовой линии
type MissingBaselineError struct {
	Host  string
	Date  string
	Scope models.Scope
}

func (e *MissingBaselineError) Error() string {
	return fmt.Sprintf("host %s: missing %s baseline for %s", e.Host, e.Scope, e.Date)
}
