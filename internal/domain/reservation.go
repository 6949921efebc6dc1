package domain

// ReservationOutcome описывает результат попытки резерва одной позиции.
type ReservationOutcome string

const (
	// ReservationAccepted — склад подтвердил резерв.
	ReservationAccepted ReservationOutcome = "accepted"
	// ReservationRejected — склад отказал, сток закончился.
	ReservationRejected ReservationOutcome = "rejected"
	// ReservationFailed — запрос не дошёл до склада или склад вернул ошибку без побочного эффекта.
	ReservationFailed ReservationOutcome = "failed"
	// ReservationUnknown — запрос отправлен, ответ потерян; резерв мог примениться.
	ReservationUnknown ReservationOutcome = "unknown"
)

// ReservationAttempt фиксирует попытку резерва одной позиции в рамках одного запуска саги.
// Не сохраняется и живёт только до конца запуска.
type ReservationAttempt struct {
	Item      OrderItem
	Outcome   ReservationOutcome
	Remaining int
	Err       error
}

// NeedsRelease сообщает, что позицию нужно компенсировать.
func (a ReservationAttempt) NeedsRelease() bool {
	return a.Outcome == ReservationAccepted || a.Outcome == ReservationUnknown
}
