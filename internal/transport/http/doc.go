// Package http implements the kiosk's HTTP handlers. Handlers stay thin:
// they parse the request, call a service and render the result.
//
// # Surfaces
//
//	/api/kiosk   touch UI and payment provider callback (KioskHandler)
//	/api/admin   operator device management and activity export (AdminHandler)
//	/api/health  readiness and liveness probes (HealthHandler)
//
// # Error Handling
//
// Known service sentinels (cycle already active, unknown payment session,
// missing device, ...) become APIError bodies with a stable error_code.
// Anything else is rendered as an RFC 7807 problem by errors.ErrorHandler:
//
//	{
//	    "type": "/errors/storage",
//	    "title": "Storage Unavailable",
//	    "status": 503,
//	    "detail": "activity export failed",
//	    "instance": "/api/admin/activity/export"
//	}
//
// # Testing
//
// Handlers are tested with httptest against small fakes of the service
// interfaces declared here.
package http
