package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/exporter"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/middleware"
	"cleanhelmet/internal/store"
)

// DeviceAdmin is the operator side of the entitlement ledger.
type DeviceAdmin interface {
	Device(ctx context.Context, deviceID string) (*store.DeviceRecord, error)
	ResetDevice(ctx context.Context, deviceID string) (*store.DeviceRecord, error)
	BlockDevice(ctx context.Context, deviceID string) (*store.DeviceRecord, error)
	UnblockDevice(ctx context.Context, deviceID string) (*store.DeviceRecord, error)
	GrantBonusCycle(ctx context.Context, deviceID string) (*store.DeviceRecord, error)
}

// ActivityExporter writes the activity log in a file format.
type ActivityExporter interface {
	Export(ctx context.Context, w io.Writer, format exporter.Format, filter store.ActivityFilter) (int, error)
}

// AdminHandler serves the operator surface. Authentication and rate
// limiting are applied by the router.
type AdminHandler struct {
	ledger   DeviceAdmin
	exporter ActivityExporter
	loc      *time.Location
	errors   *apierrors.ErrorHandler
	logger   *slog.Logger
}

// NewAdminHandler creates a new admin handler. Date filters are read in loc.
func NewAdminHandler(ledger DeviceAdmin, exp ActivityExporter, loc *time.Location, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &AdminHandler{
		ledger:   ledger,
		exporter: exp,
		loc:      loc,
		errors:   errorHandler,
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

// Routes mounts under /api/admin.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Get("/", h.GetDevice)
		r.Post("/reset", h.mutation("reset", h.ledger.ResetDevice))
		r.Post("/block", h.mutation("block", h.ledger.BlockDevice))
		r.Post("/unblock", h.mutation("unblock", h.ledger.UnblockDevice))
		r.Post("/grant", h.mutation("grant", h.ledger.GrantBonusCycle))
	})
	r.Get("/activity/export", h.ExportActivity)
	return r
}

// AdminDeviceView exposes the full ledger state of a device.
type AdminDeviceView struct {
	DeviceView
	Fingerprint             string     `json:"fingerprint"`
	FreeCyclesUsed          int        `json:"free_cycles_used"`
	BonusCycles             int        `json:"bonus_cycles"`
	SuspiciousActivityCount int        `json:"suspicious_activity_count"`
	IPHistory               []string   `json:"ip_history"`
	CreatedAt               time.Time  `json:"created_at"`
	LastAccessAt            *time.Time `json:"last_access_at,omitempty"`
}

func newAdminDeviceView(d *store.DeviceRecord) AdminDeviceView {
	v := AdminDeviceView{
		DeviceView:              newDeviceView(d),
		Fingerprint:             d.Fingerprint,
		FreeCyclesUsed:          d.FreeCyclesUsed,
		BonusCycles:             d.BonusCycles,
		SuspiciousActivityCount: d.SuspiciousActivityCount,
		IPHistory:               d.IPHistory,
		CreatedAt:               d.CreatedAt,
	}
	if !d.LastAccessAt.IsZero() {
		t := d.LastAccessAt
		v.LastAccessAt = &t
	}
	if v.IPHistory == nil {
		v.IPHistory = []string{}
	}
	return v
}

// GetDevice handles GET /api/admin/devices/{id}
func (h *AdminHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.ledger.Device(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.errors, err)
		return
	}
	render.JSON(w, r, newAdminDeviceView(d))
}

func (h *AdminHandler) mutation(action string, op func(context.Context, string) (*store.DeviceRecord, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")

		d, err := op(ctx, id)
		if err != nil {
			respondError(w, r, h.errors, err)
			return
		}

		operator := ""
		if c, ok := middleware.AdminFromContext(ctx); ok {
			operator = c.Subject
		}
		h.logger.InfoContext(ctx, "admin action applied",
			slog.String("action", action),
			slog.String("device_id", infrastructure.MaskDeviceID(id)),
			slog.String("operator", operator),
		)
		render.JSON(w, r, newAdminDeviceView(d))
	}
}

// ExportActivity handles GET /api/admin/activity/export
//
// Query: format=csv|xlsx, device=<id>, type=<activity type>, since=YYYY-MM-DD, limit=<n>.
func (h *AdminHandler) ExportActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format, err := exporter.ParseFormat(q.Get("format"))
	if err != nil {
		apierrors.WriteError(w, apierrors.ErrValidation("format", err.Error()))
		return
	}

	filter := store.ActivityFilter{
		DeviceID: q.Get("device"),
		Type:     store.ActivityType(q.Get("type")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.ParseInLocation("2006-01-02", since, h.loc)
		if err != nil {
			apierrors.WriteError(w, apierrors.ErrValidation("since", "must be YYYY-MM-DD"))
			return
		}
		filter.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		if _, err := fmt.Sscanf(limit, "%d", &filter.Limit); err != nil || filter.Limit < 0 {
			apierrors.WriteError(w, apierrors.ErrValidation("limit", "must be a non-negative integer"))
			return
		}
	}

	// render into memory first so a failure can still produce a clean error
	var buf bytes.Buffer
	n, err := h.exporter.Export(r.Context(), &buf, format, filter)
	if err != nil {
		respondError(w, r, h.errors, apierrors.NewStorageError("activity export failed", err))
		return
	}

	name := fmt.Sprintf("activity_%s.%s", time.Now().In(h.loc).Format("2006_01_02_150405"), format.Extension())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Row-Count", fmt.Sprintf("%d", n))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "export download interrupted", slog.String("error", err.Error()))
	}
}
