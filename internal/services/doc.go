// Package services holds the kiosk orchestration layer. KioskService ties
// the identity service, entitlement ledger, cycle controller, hardware
// bridge and sync queue together; HTTP handlers and the UI hub talk only
// to it.
//
// Typical flow:
//
//	rec, _ := kiosk.Register(ctx, origin)          // identity + fingerprint
//	res, err := kiosk.RequestStart(ctx, rec.DeviceID)
//	if errors.Is(err, services.ErrPaymentRequired) {
//	    conf, err := kiosk.AwaitPayment(ctx, res.SessionID, kiosk.PaymentTimeout("pix"))
//	    ...
//	}
//
// Hardware telemetry and connectivity changes are routed by the service
// itself once Start has been called.
package services
