package transaction

import "errors"

var (
	// ErrTransactionTerminated операция над завершенной транзакцией
	ErrTransactionTerminated = errors.New("transaction terminated")

	// ErrFinalResponseSent финальный ответ уже отправлен
	ErrFinalResponseSent = errors.New("final response already sent")

	// ErrTransactionExists транзакция с таким ключом уже есть
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrNotInvite операция допустима только для INVITE
	ErrNotInvite = errors.New("not an INVITE transaction")

	// ErrCancelTooLate финальный ответ на INVITE уже получен
	ErrCancelTooLate = errors.New("too late to cancel")
)
