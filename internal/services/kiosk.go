package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"cleanhelmet/internal/bridge"
	"cleanhelmet/internal/config"
	"cleanhelmet/internal/cycle"
	"cleanhelmet/internal/devices"
	apperrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/identity"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/ledger"
	"cleanhelmet/internal/remote"
	"cleanhelmet/internal/scheduler"
	"cleanhelmet/internal/store"
	"cleanhelmet/internal/syncqueue"
	ws "cleanhelmet/internal/websocket"
)

const (
	resetTimer         = "kiosk.reset"
	paymentTimerPrefix = "payment."

	// hardware alarm thresholds
	maxTemperature = 45.0
	minTemperature = 10.0
	minVoltage     = 11.5

	ReasonHardwareStopped = "hardware_stopped"
	ReasonUserStop        = "user_stop"
)

// Notifier pushes messages to the kiosk screen.
type Notifier interface {
	Notify(ctx context.Context, level, message string)
	Broadcast(msgType string, data interface{})
}

// Connectivity reports and publishes the remote link state. SetOnline
// accepts signals pushed by the kiosk browser.
type Connectivity interface {
	Online() bool
	SetOnline(online bool)
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// PaymentConfirmation is the provider callback for a payment session.
type PaymentConfirmation struct {
	Status        string `json:"status" validate:"required,oneof=approved rejected"`
	Method        string `json:"method" validate:"required,oneof=pix card"`
	TransactionID string `json:"transactionId" validate:"required_if=Status approved,max=128"`
	SessionID     string `json:"sessionId" validate:"required,max=64"`
}

// Approved reports whether the payment went through.
func (p PaymentConfirmation) Approved() bool { return p.Status == "approved" }

// StartResult is returned by RequestStart. When payment is required,
// SessionID names the payment session the provider must confirm.
type StartResult struct {
	SessionID string          `json:"session_id"`
	DeviceID  string          `json:"device_id"`
	Free      bool            `json:"free"`
	Decision  ledger.Decision `json:"decision"`
}

// Status is the kiosk overview shown on the status endpoint.
type Status struct {
	Cycle             cycle.State `json:"cycle"`
	Online            bool        `json:"online"`
	HardwareConnected bool        `json:"hardware_connected"`
	QueuedItems       int         `json:"queued_items"`
	SessionOnly       bool        `json:"session_only"`
	PendingPayments   int         `json:"pending_payments"`
	FreeCyclesToday   int         `json:"free_cycles_today"`
}

type pendingPayment struct {
	deviceID string
	opened   time.Time
	result   chan PaymentConfirmation
}

// KioskOptions groups the kiosk collaborators. Sink and Timers are optional.
type KioskOptions struct {
	Identity     *identity.Service
	Ledger       *ledger.Ledger
	Devices      *devices.Repository
	Cycle        *cycle.Controller
	Queue        *syncqueue.Queue
	Sink         remote.Sink
	Bridge       bridge.Bridge
	Connectivity Connectivity
	Settings     store.ConfigStore
	Notifier     Notifier
	Timers       *scheduler.Registry
	Payment      config.PaymentConfig
	ResetDelay   time.Duration
	Metrics      *infrastructure.KioskMetrics
	Logger       *slog.Logger
}

// KioskService orchestrates a customer session end to end.
type KioskService struct {
	startMu sync.Mutex

	pmu     sync.Mutex
	pending map[string]*pendingPayment

	opts     KioskOptions
	validate *validator.Validate
	logger   *slog.Logger

	unsubs []func()
}

// NewKioskService wires the cycle handlers and the activity mirror.
func NewKioskService(opts KioskOptions) *KioskService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = 10 * time.Second
	}
	s := &KioskService{
		pending:  make(map[string]*pendingPayment),
		opts:     opts,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "kiosk_service")),
	}

	opts.Cycle.SetHandlers(cycle.Handlers{
		OnStateChange:  s.onStateChange,
		OnCompleted:    s.onCompleted,
		OnForceStopped: s.onForceStopped,
	})
	opts.Devices.OnAudit(s.mirrorActivity)
	return s
}

// Start subscribes to hardware telemetry and connectivity changes.
func (s *KioskService) Start(ctx context.Context) {
	if s.opts.Bridge != nil {
		s.unsubs = append(s.unsubs, s.opts.Bridge.Subscribe(s.HandleTelemetry))
	}
	if s.opts.Connectivity != nil {
		s.unsubs = append(s.unsubs, s.opts.Connectivity.Subscribe(func(online bool) {
			s.opts.Notifier.Broadcast(ws.TypeConnectivity, map[string]bool{"online": online})
		}))
		s.opts.Notifier.Broadcast(ws.TypeConnectivity, map[string]bool{"online": s.opts.Connectivity.Online()})
	}
	s.opts.Notifier.Broadcast(ws.TypeCycleState, s.opts.Cycle.Snapshot())
	s.logger.InfoContext(ctx, "kiosk service started")
}

// Stop undoes Start and fails every pending payment wait.
func (s *KioskService) Stop() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	if s.opts.Timers != nil {
		s.opts.Timers.Cancel(resetTimer)
	}

	s.pmu.Lock()
	for id, p := range s.pending {
		s.cancelPaymentTimer(id)
		close(p.result)
		delete(s.pending, id)
	}
	s.pmu.Unlock()
}

// Register records the current session for this kiosk's device and
// returns its record.
func (s *KioskService) Register(ctx context.Context, origin string) (*store.DeviceRecord, error) {
	return s.opts.Identity.RegisterSession(ctx, origin)
}

// RequestStart starts a free cycle if the device is entitled to one.
// Otherwise it opens a payment session and returns ErrPaymentRequired.
func (s *KioskService) RequestStart(ctx context.Context, deviceID string) (StartResult, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if deviceID == "" {
		deviceID = s.opts.Identity.ResolveDeviceID(ctx)
	}
	ctx = infrastructure.WithDeviceID(ctx, deviceID)
	res := StartResult{SessionID: uuid.NewString(), DeviceID: deviceID}

	if s.opts.Cycle.Snapshot().Active() {
		s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Ciclo já está em execução!")
		return res, cycle.ErrCycleActive
	}

	ok, dec := s.opts.Ledger.ConsumeFreeCycle(ctx, deviceID)
	res.Decision = dec
	if ok {
		res.Free = true
		err := s.opts.Cycle.StartCycle(ctx, cycle.StartRequest{
			SessionID: res.SessionID,
			Free:      true,
			DeviceID:  deviceID,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "free cycle consumed but start failed",
				slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
				slog.String("error", err.Error()),
			)
			return res, err
		}
		s.opts.Notifier.Notify(ctx, ws.LevelSuccess, "Ciclo gratuito iniciado!")
		return res, nil
	}

	pp := &pendingPayment{
		deviceID: deviceID,
		opened:   s.now(),
		result:   make(chan PaymentConfirmation, 1),
	}
	s.pmu.Lock()
	s.pending[res.SessionID] = pp
	s.pmu.Unlock()
	s.armPaymentExpiry(res.SessionID, pp)

	s.opts.Notifier.Notify(ctx, ws.LevelInfo, denialMessage(dec.Reason))
	s.logger.InfoContext(ctx, "payment required",
		slog.String("session_id", res.SessionID),
		slog.String("reason", string(dec.Reason)),
	)
	return res, apperrors.NewEntitlementError(string(dec.Reason), ErrPaymentRequired).
		WithContext("session_id", res.SessionID)
}

// HandlePaymentConfirmation applies a provider callback. An approved
// payment starts the cycle for the session's device.
func (s *KioskService) HandlePaymentConfirmation(ctx context.Context, p PaymentConfirmation) error {
	if err := s.validate.Struct(p); err != nil {
		return apperrors.NewAppValidationError("invalid payment confirmation").WithContext("error", err.Error())
	}

	s.pmu.Lock()
	pp, ok := s.pending[p.SessionID]
	if ok {
		delete(s.pending, p.SessionID)
	}
	s.pmu.Unlock()
	if !ok {
		s.logger.WarnContext(ctx, "confirmation for unknown session", slog.String("session_id", p.SessionID))
		return ErrUnknownSession
	}
	s.cancelPaymentTimer(p.SessionID)

	waited := s.now().Sub(pp.opened)
	record := map[string]interface{}{
		"session_id":     p.SessionID,
		"device_id":      pp.deviceID,
		"status":         p.Status,
		"method":         p.Method,
		"transaction_id": p.TransactionID,
		"waited_seconds": int(waited.Seconds()),
	}

	// the screen has already given up on this session
	if limit := s.PaymentTimeout(p.Method); limit > 0 && waited > limit {
		close(pp.result)
		record["late"] = true
		s.enqueue(ctx, store.SyncItemPayment, record)
		s.logger.WarnContext(ctx, "confirmation after the payment window, cycle not started",
			slog.String("session_id", p.SessionID),
			slog.String("transaction_id", p.TransactionID),
			slog.Duration("waited", waited),
		)
		s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Tempo para pagamento esgotado.")
		return ErrPaymentTimeout
	}

	defer func() {
		pp.result <- p
		close(pp.result)
	}()
	s.enqueue(ctx, store.SyncItemPayment, record)

	if !p.Approved() {
		s.opts.Notifier.Notify(ctx, ws.LevelError, "Pagamento não aprovado. Tente novamente.")
		return nil
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()
	err := s.opts.Cycle.StartCycle(ctx, cycle.StartRequest{
		SessionID:        p.SessionID,
		PaymentReference: p.TransactionID,
		DeviceID:         pp.deviceID,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "paid cycle could not start",
			slog.String("session_id", p.SessionID),
			slog.String("transaction_id", p.TransactionID),
			slog.String("error", err.Error()),
		)
		s.opts.Notifier.Notify(ctx, ws.LevelError, "Não foi possível iniciar o ciclo. Procure o atendente.")
		return apperrors.NewStateError("paid cycle could not start", err).
			WithContext("session_id", p.SessionID)
	}
	s.opts.Notifier.Notify(ctx, ws.LevelSuccess, "Pagamento aprovado! Iniciando ciclo...")
	return nil
}

// PaymentTimeout returns the wait limit for a payment method.
func (s *KioskService) PaymentTimeout(method string) time.Duration {
	if method == "card" {
		return s.opts.Payment.CardTimeout
	}
	return s.opts.Payment.PixTimeout
}

// AwaitPayment blocks until the session is confirmed, the timeout expires
// or ctx is cancelled. A timed-out session is closed.
func (s *KioskService) AwaitPayment(ctx context.Context, sessionID string, timeout time.Duration) (PaymentConfirmation, error) {
	s.pmu.Lock()
	pp, ok := s.pending[sessionID]
	s.pmu.Unlock()
	if !ok {
		return PaymentConfirmation{}, ErrUnknownSession
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case p, ok := <-pp.result:
		if !ok {
			return PaymentConfirmation{}, ErrPaymentTimeout
		}
		if !p.Approved() {
			return p, ErrPaymentRejected
		}
		return p, nil
	case <-ctx.Done():
		s.pmu.Lock()
		if s.pending[sessionID] == pp {
			delete(s.pending, sessionID)
			s.cancelPaymentTimer(sessionID)
		}
		s.pmu.Unlock()
		s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Tempo para pagamento esgotado.")
		s.logger.InfoContext(ctx, "payment wait expired",
			slog.String("session_id", sessionID),
			slog.Duration("timeout", timeout),
		)
		return PaymentConfirmation{}, ErrPaymentTimeout
	}
}

// EmergencyStop aborts the running cycle at the customer's request.
func (s *KioskService) EmergencyStop(ctx context.Context) error {
	if err := s.opts.Cycle.ForceStop(ctx, ReasonUserStop); err != nil {
		return apperrors.NewStateError("no cycle to stop", err)
	}
	return nil
}

// ReportConnectivity applies an online/offline event pushed by the kiosk
// browser. Going online starts a queue flush right away; the periodic probe
// corrects a false "online" on its next round.
func (s *KioskService) ReportConnectivity(ctx context.Context, online bool) {
	if s.opts.Connectivity == nil {
		return
	}
	s.logger.DebugContext(ctx, "connectivity pushed by the screen", slog.Bool("online", online))
	s.opts.Connectivity.SetOnline(online)
}

// Status returns a snapshot of the kiosk.
func (s *KioskService) Status(ctx context.Context) Status {
	st := Status{
		Cycle:           s.opts.Cycle.Snapshot(),
		Online:          s.opts.Connectivity == nil || s.opts.Connectivity.Online(),
		SessionOnly:     s.opts.Identity.SessionOnly(),
		FreeCyclesToday: s.opts.Ledger.GlobalUsedToday(ctx),
	}
	if s.opts.Bridge != nil {
		st.HardwareConnected = s.opts.Bridge.Connected()
	}
	if s.opts.Queue != nil {
		st.QueuedItems = s.opts.Queue.Len()
	}
	s.pmu.Lock()
	st.PendingPayments = len(s.pending)
	s.pmu.Unlock()
	return st
}

// LastCycleReport returns the most recent usage report, if any.
func (s *KioskService) LastCycleReport(ctx context.Context) (*cycle.UsageReport, error) {
	raw, err := s.opts.Settings.GetConfig(ctx, store.KeyLastCycleReport)
	if err != nil {
		return nil, err
	}
	var r cycle.UsageReport
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, apperrors.NewStorageError("stored cycle report is corrupt", err)
	}
	return &r, nil
}

// HandleTelemetry routes a hardware reading. Door events pause and resume
// the cycle at any step; alarms become screen notifications.
func (s *KioskService) HandleTelemetry(ctx context.Context, r bridge.Reading) {
	state := s.opts.Cycle.Snapshot()

	if open, ok := doorOpen(r); ok && r.Kind != bridge.KindHardware {
		switch {
		case open && state.Status == cycle.StatusRunning:
			if s.opts.Cycle.PauseByDoorSensor(ctx) == nil {
				s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Porta aberta! Ciclo pausado por segurança")
			}
		case !open && state.Status == cycle.StatusPaused:
			if s.opts.Cycle.ResumeByDoorSensor(ctx) == nil {
				s.opts.Notifier.Notify(ctx, ws.LevelSuccess, "Porta fechada! Ciclo retomado")
			}
		}
	}

	switch r.Kind {
	case bridge.KindSensors:
		s.opts.Cycle.HandleTelemetry(ctx, r)
		if t, ok := r.Float("temperature"); ok {
			switch {
			case t > maxTemperature:
				s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Temperatura alta detectada!")
			case t < minTemperature:
				s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Temperatura muito baixa!")
			}
		}

	case bridge.KindHardware:
		if v, ok := r.Float("system_voltage"); ok && v > 0 && v < minVoltage {
			s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Voltagem baixa no sistema!")
		}
		if status, _ := r.Values["esp32_status"].(string); status == "error" {
			s.opts.Notifier.Notify(ctx, ws.LevelError, "Erro no equipamento detectado!")
		}

	case bridge.KindSystem:
		if connected, ok := r.Bool("esp32_connected"); ok {
			s.opts.Notifier.Broadcast(ws.TypeHardware, map[string]bool{"connected": connected})
			if !connected {
				s.opts.Notifier.Notify(ctx, ws.LevelError, "Equipamento desconectado!")
			}
		}
		if active, ok := r.Bool("cycle_active"); ok && !active && s.opts.Cycle.Snapshot().Active() {
			s.logger.WarnContext(ctx, "hardware reports cycle stopped, aborting")
			_ = s.opts.Cycle.ForceStop(ctx, ReasonHardwareStopped)
		}
	}
}

func (s *KioskService) onStateChange(st cycle.State) {
	s.opts.Notifier.Broadcast(ws.TypeCycleState, st)
}

func (s *KioskService) onCompleted(r cycle.UsageReport) {
	ctx := infrastructure.WithDeviceID(context.Background(), r.DeviceID)

	if raw, err := json.Marshal(r); err == nil {
		s.saveSetting(ctx, store.KeyLastCycleReport, string(raw))
		s.saveSetting(ctx, store.KeyLastCycleReportAt, r.EndedAt.UTC().Format(time.RFC3339))
	}
	s.opts.Devices.Audit(ctx, r.DeviceID, store.ActivityCycleCompleted, map[string]interface{}{
		"session_id":       r.SessionID,
		"free":             r.Free,
		"duration_seconds": int(r.Duration.Seconds()),
		"door_interrupts":  r.DoorInterrupts,
	})
	s.deliverReport(ctx, r)

	s.opts.Notifier.Broadcast(ws.TypeCycleReport, r)
	s.opts.Notifier.Notify(ctx, ws.LevelSuccess, "Desinfecção concluída!")

	if s.opts.Timers != nil {
		s.opts.Timers.After(resetTimer, s.opts.ResetDelay, func() {
			if err := s.opts.Cycle.Reset(); err != nil && !errors.Is(err, cycle.ErrCycleActive) {
				s.logger.Warn("cycle reset failed", slog.String("error", err.Error()))
			}
		})
	}
}

func (s *KioskService) onForceStopped(r cycle.AbortReport) {
	ctx := infrastructure.WithDeviceID(context.Background(), r.DeviceID)
	s.opts.Devices.Audit(ctx, r.DeviceID, store.ActivityCycleForceStopped, map[string]interface{}{
		"session_id": r.SessionID,
		"reason":     r.Reason,
		"step_index": r.StepIndex,
		"step_name":  r.StepName,
		"free":       r.Free,
	})
	msg := "Ciclo interrompido."
	if r.Reason == ReasonHardwareStopped {
		msg = "Ciclo interrompido pelo equipamento."
	}
	s.opts.Notifier.Notify(ctx, ws.LevelWarning, msg)
}

// deliverReport sends the usage report straight to the remote store when
// online and falls back to the queue otherwise.
func (s *KioskService) deliverReport(ctx context.Context, r cycle.UsageReport) {
	online := s.opts.Connectivity == nil || s.opts.Connectivity.Online()
	if online && s.opts.Sink != nil {
		payload, err := json.Marshal(r)
		if err == nil {
			item := store.SyncItem{
				ID:        uuid.NewString(),
				Type:      store.SyncItemCycle,
				Payload:   payload,
				CreatedAt: time.Now(),
			}
			if err = s.opts.Sink.Deliver(ctx, item); err == nil {
				s.opts.Metrics.RecordSyncOutcome(ctx, true, "direct")
				return
			}
		}
		s.logger.WarnContext(ctx, "direct report delivery failed, queueing", slog.String("error", err.Error()))
	}
	s.enqueue(ctx, store.SyncItemCycle, r)
}

// mirrorActivity forwards audit entries to the remote store as log items.
func (s *KioskService) mirrorActivity(ctx context.Context, e store.ActivityEntry) {
	if e.Type == store.ActivitySyncItemDropped {
		return
	}
	s.enqueue(ctx, store.SyncItemLog, e)
}

func (s *KioskService) now() time.Time {
	if s.opts.Timers != nil {
		return s.opts.Timers.Now()
	}
	return time.Now()
}

func paymentTimer(sessionID string) string { return paymentTimerPrefix + sessionID }

// armPaymentExpiry closes the session once the longest payment window has
// passed, whether or not anyone is waiting on it.
func (s *KioskService) armPaymentExpiry(sessionID string, pp *pendingPayment) {
	if s.opts.Timers == nil {
		return
	}
	window := max(s.opts.Payment.PixTimeout, s.opts.Payment.CardTimeout)
	if window <= 0 {
		return
	}
	s.opts.Timers.After(paymentTimer(sessionID), window, func() {
		s.pmu.Lock()
		owned := s.pending[sessionID] == pp
		if owned {
			delete(s.pending, sessionID)
		}
		s.pmu.Unlock()
		if !owned {
			return
		}
		close(pp.result)

		ctx := infrastructure.WithDeviceID(context.Background(), pp.deviceID)
		s.opts.Notifier.Notify(ctx, ws.LevelWarning, "Tempo para pagamento esgotado.")
		s.logger.InfoContext(ctx, "payment session expired",
			slog.String("session_id", sessionID),
			slog.Duration("window", window),
		)
	})
}

func (s *KioskService) cancelPaymentTimer(sessionID string) {
	if s.opts.Timers != nil {
		s.opts.Timers.Cancel(paymentTimer(sessionID))
	}
}

func (s *KioskService) enqueue(ctx context.Context, t store.SyncItemType, payload interface{}) {
	if s.opts.Queue == nil {
		return
	}
	if _, err := s.opts.Queue.Enqueue(ctx, t, payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to queue sync item",
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *KioskService) saveSetting(ctx context.Context, key, value string) {
	if err := s.opts.Settings.SetConfig(ctx, key, value); err != nil {
		s.logger.WarnContext(ctx, "failed to persist setting", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// doorOpen accepts "open"/"closed" strings as well as booleans.
func doorOpen(r bridge.Reading) (open bool, ok bool) {
	v, present := r.Values[cycle.SensorDoor]
	if !present {
		return false, false
	}
	switch d := v.(type) {
	case string:
		switch d {
		case "open":
			return true, true
		case "closed":
			return false, true
		}
	case bool:
		return d, true
	}
	return false, false
}

func denialMessage(reason ledger.Reason) string {
	switch reason {
	case ledger.ReasonDeviceQuota:
		return "Ciclo gratuito de hoje já utilizado. Selecione o método de pagamento."
	case ledger.ReasonGlobalCap:
		return "Ciclos gratuitos esgotados hoje. Selecione o método de pagamento."
	case ledger.ReasonCooldown:
		return "Aguarde alguns minutos ou selecione o método de pagamento."
	default:
		return "Selecione o método de pagamento para continuar."
	}
}

