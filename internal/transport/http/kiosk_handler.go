package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"cleanhelmet/internal/cycle"
	apierrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/services"
	"cleanhelmet/internal/store"
)

// KioskService is the customer-facing surface of services.KioskService.
type KioskService interface {
	Register(ctx context.Context, origin string) (*store.DeviceRecord, error)
	RequestStart(ctx context.Context, deviceID string) (services.StartResult, error)
	HandlePaymentConfirmation(ctx context.Context, p services.PaymentConfirmation) error
	PaymentTimeout(method string) time.Duration
	AwaitPayment(ctx context.Context, sessionID string, timeout time.Duration) (services.PaymentConfirmation, error)
	EmergencyStop(ctx context.Context) error
	Status(ctx context.Context) services.Status
	LastCycleReport(ctx context.Context) (*cycle.UsageReport, error)
	ReportConnectivity(ctx context.Context, online bool)
}

// KioskHandler serves the touch UI and the payment provider callback.
type KioskHandler struct {
	service KioskService
	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
}

// NewKioskHandler creates a new kiosk handler
func NewKioskHandler(service KioskService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *KioskHandler {
	return &KioskHandler{
		service: service,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "kiosk")),
	}
}

// Routes mounts under /api/kiosk.
func (h *KioskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/session", h.Session)
	r.Post("/start", h.Start)
	r.Post("/stop", h.Stop)
	r.Get("/status", h.Status)
	r.Get("/last-cycle", h.LastCycle)
	r.Post("/connectivity", h.Connectivity)
	r.Route("/payments", func(r chi.Router) {
		r.Post("/confirm", h.ConfirmPayment)
		r.Get("/{session}/await", h.AwaitPayment)
	})
	return r
}

// DeviceView is the customer-safe projection of a device record.
type DeviceView struct {
	DeviceID            string     `json:"device_id"`
	FreeCyclesAvailable int        `json:"free_cycles_available"`
	TotalCycles         int        `json:"total_cycles"`
	IsBlocked           bool       `json:"is_blocked"`
	LastFreeCycleAt     *time.Time `json:"last_free_cycle_at,omitempty"`
}

func newDeviceView(d *store.DeviceRecord) DeviceView {
	return DeviceView{
		DeviceID:            d.DeviceID,
		FreeCyclesAvailable: d.FreeCyclesAvailable,
		TotalCycles:         d.TotalCycles,
		IsBlocked:           d.IsBlocked,
		LastFreeCycleAt:     d.LastFreeCycleAt,
	}
}

// Session handles POST /api/kiosk/session
func (h *KioskHandler) Session(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Register(r.Context(), clientOrigin(r))
	if err != nil {
		respondError(w, r, h.errors, err)
		return
	}
	render.JSON(w, r, newDeviceView(d))
}

// StartRequest is the optional body of POST /api/kiosk/start.
type StartRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}

// Bind implements render.Binder
func (s *StartRequest) Bind(r *http.Request) error {
	if len(s.DeviceID) > 64 {
		return errors.New("device_id is too long")
	}
	return nil
}

// Start handles POST /api/kiosk/start
func (h *KioskHandler) Start(w http.ResponseWriter, r *http.Request) {
	req := &StartRequest{}
	if r.ContentLength != 0 {
		if err := render.Bind(r, req); err != nil && !errors.Is(err, io.EOF) {
			apierrors.WriteError(w, apierrors.InvalidRequestWithError(err))
			return
		}
	}

	res, err := h.service.RequestStart(r.Context(), req.DeviceID)
	if errors.Is(err, services.ErrPaymentRequired) {
		details := map[string]interface{}{
			"reason":     res.Decision.Reason,
			"session_id": res.SessionID,
		}
		if res.Decision.RetryAfter > 0 {
			details["retry_after_seconds"] = int(res.Decision.RetryAfter.Seconds())
		}
		apierrors.WriteError(w, apierrors.NewWithDetails(http.StatusPaymentRequired, "PAYMENT_REQUIRED",
			"Payment required to start a cycle", details))
		return
	}
	if err != nil {
		respondError(w, r, h.errors, err)
		return
	}

	h.logger.InfoContext(r.Context(), "free cycle started",
		slog.String("device_id", infrastructure.MaskDeviceID(res.DeviceID)),
		slog.String("session_id", res.SessionID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, res)
}

// ConfirmPayment handles POST /api/kiosk/payments/confirm
func (h *KioskHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var p services.PaymentConfirmation
	if err := render.DecodeJSON(r.Body, &p); err != nil {
		apierrors.WriteError(w, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.service.HandlePaymentConfirmation(r.Context(), p); err != nil {
		respondError(w, r, h.errors, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"session_id": p.SessionID,
		"status":     p.Status,
	})
}

// AwaitPayment handles GET /api/kiosk/payments/{session}/await?method=pix|card
// and long-polls until the provider answers.
func (h *KioskHandler) AwaitPayment(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	method := r.URL.Query().Get("method")
	if method != "" && method != "pix" && method != "card" {
		apierrors.WriteError(w, apierrors.ErrValidation("method", "must be pix or card"))
		return
	}

	p, err := h.service.AwaitPayment(r.Context(), session, h.service.PaymentTimeout(method))
	if err != nil {
		respondError(w, r, h.errors, err)
		return
	}
	render.JSON(w, r, p)
}

// Stop handles POST /api/kiosk/stop
func (h *KioskHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.service.EmergencyStop(r.Context()); err != nil {
		respondError(w, r, h.errors, err)
		return
	}
	h.logger.WarnContext(r.Context(), "cycle stopped from the screen")
	render.JSON(w, r, h.service.Status(r.Context()))
}

// Status handles GET /api/kiosk/status
func (h *KioskHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Status(r.Context()))
}

// LastCycle handles GET /api/kiosk/last-cycle
func (h *KioskHandler) LastCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.LastCycleReport(r.Context())
	if err != nil {
		respondError(w, r, h.errors, err)
		return
	}
	render.JSON(w, r, report)
}

// ConnectivityRequest carries the browser's online/offline event.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// Bind implements render.Binder
func (c *ConnectivityRequest) Bind(r *http.Request) error {
	if c.Online == nil {
		return errors.New("online is required")
	}
	return nil
}

// Connectivity handles POST /api/kiosk/connectivity
func (h *KioskHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	req := &ConnectivityRequest{}
	if err := render.Bind(r, req); err != nil {
		apierrors.WriteError(w, apierrors.InvalidRequestWithError(err))
		return
	}
	h.service.ReportConnectivity(r.Context(), *req.Online)
	render.JSON(w, r, map[string]bool{"online": h.service.Status(r.Context()).Online})
}

// clientOrigin is the caller's IP without port. Forwarding headers only
// reach RemoteAddr when the server is configured to trust a proxy.
func clientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
