package resilience

import "errors"

// retryableError помечает сбой, после которого повтор безопасен:
// запрос не дошёл до зависимости или операция идемпотентна.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable оборачивает ошибку как допускающую повтор. nil остаётся nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable сообщает, можно ли повторить вызов после ошибки.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
