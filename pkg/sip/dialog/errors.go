package dialog

import (
	"errors"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
)

// ErrRequestPending новый re-INVITE при незавершенном offer/answer (491)
var ErrRequestPending = errors.New("request pending")

// ErrNotInDialog запрос не относится к этому диалогу
var ErrNotInDialog = siperrors.Newf(siperrors.ErrInvalidDialogState, "request does not match dialog")

func errInvalidTransition(from State, event string) error {
	return siperrors.Newf(siperrors.ErrInvalidDialogState, "event %s not allowed in state %s", event, from)
}

func errInvalidState(method string, state State) error {
	return siperrors.Newf(siperrors.ErrInvalidDialogState, "%s not allowed in state %s", method, state)
}
