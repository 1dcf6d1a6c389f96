package transaction

// Observer получает события транзакционного уровня (метрики)
type Observer interface {
	// Retransmitted вызывается на каждую повторную отправку запроса или ответа
	Retransmitted(method string, client bool)
	// TimedOut вызывается при срабатывании таймаута B, F или H
	TimedOut(method string, timer TimerID)
}

type noopObserver struct{}

func (noopObserver) Retransmitted(string, bool) {}
func (noopObserver) TimedOut(string, TimerID) {}
