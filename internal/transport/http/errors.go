package http

import (
	"errors"
	"net/http"

	"cleanhelmet/internal/cycle"
	apierrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/ledger"
	"cleanhelmet/internal/services"
	"cleanhelmet/internal/store"
)

// respondError maps service sentinels to API errors and hands everything
// else to the RFC 7807 error handler.
func respondError(w http.ResponseWriter, r *http.Request, eh *apierrors.ErrorHandler, err error) {
	switch {
	case errors.Is(err, cycle.ErrCycleActive):
		apierrors.WriteError(w, apierrors.ErrCycleActive)
	case errors.Is(err, cycle.ErrInvalidTransition):
		apierrors.WriteError(w, apierrors.ErrNoActiveCycle)
	case errors.Is(err, ledger.ErrDeviceNotFound):
		apierrors.WriteError(w, apierrors.ErrDeviceNotFound)
	case errors.Is(err, store.ErrNotFound):
		apierrors.WriteError(w, apierrors.ErrNotFound)
	case errors.Is(err, services.ErrUnknownSession):
		apierrors.WriteError(w, apierrors.NotFoundError("payment session"))
	case errors.Is(err, services.ErrPaymentTimeout):
		apierrors.WriteError(w, apierrors.ErrPaymentTimeout)
	case errors.Is(err, services.ErrPaymentRejected):
		apierrors.WriteError(w, apierrors.PaymentRequiredWithReason("rejected"))
	default:
		eh.HandleError(w, r, err)
	}
}
