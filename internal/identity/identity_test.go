package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"cleanhelmet/internal/config"
	"cleanhelmet/internal/devices"
	"cleanhelmet/internal/scheduler"
	"cleanhelmet/internal/security"
	"cleanhelmet/internal/store"
)

type fakeCollector struct {
	hash  string
	calls int
}

func (f *fakeCollector) Collect(context.Context) *security.Fingerprint {
	f.calls++
	return &security.Fingerprint{Hash: f.hash, Signals: security.Signals{}}
}

type brokenCarrier struct{ name string }

func (b brokenCarrier) Name() string                         { return b.name }
func (b brokenCarrier) Load(context.Context) (string, error) { return "", errors.New("io error") }
func (b brokenCarrier) Save(context.Context, string) error   { return errors.New("read-only") }

type IdentityTestSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *scheduler.FakeClock
	timers    *scheduler.Registry
	mem       *store.MemoryStore
	repo      *devices.Repository
	collector *fakeCollector
	cookie    *CookieCarrier
	session   *SessionCarrier
	svc       *Service
}

func (s *IdentityTestSuite) SetupTest() {
	s.ctx = context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.clock = scheduler.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	s.timers = scheduler.NewRegistry(s.clock, logger)
	s.mem = store.NewMemoryStore()
	sealer, err := security.NewSealer("secret", "salt")
	s.Require().NoError(err)
	s.repo = devices.NewRepository(s.mem, sealer, s.clock, logger)
	s.collector = &fakeCollector{hash: "aaaaaaaaaa"}
	s.cookie = NewCookieCarrier(filepath.Join(s.T().TempDir(), "device.cookie"), 24*time.Hour, s.clock)
	s.session = &SessionCarrier{}
	s.svc = s.newService(NewStoreCarrier(s.mem), s.cookie, s.session)
}

func (s *IdentityTestSuite) newService(carriers ...Carrier) *Service {
	return NewService(Options{
		Repository: s.repo,
		Settings:   s.mem,
		Collector:  s.collector,
		Carriers:   carriers,
		Timers:     s.timers,
		Config: config.IdentityConfig{
			SimilarityThreshold: 0.8,
			SuspicionThreshold:  3,
			MaxOrigins:          5,
			RefreshInterval:     time.Minute,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (s *IdentityTestSuite) activity(t store.ActivityType) []store.ActivityEntry {
	entries, err := s.mem.ListActivity(s.ctx, store.ActivityFilter{Type: t})
	s.Require().NoError(err)
	return entries
}

func (s *IdentityTestSuite) TestGeneratesAndPersistsEverywhere() {
	id := s.svc.ResolveDeviceID(s.ctx)
	s.Regexp(`^CH_[0-9A-Z]+_[0-9A-Z]+_[0-9A-Z]+$`, id)
	s.False(s.svc.SessionOnly())

	stored, err := s.mem.GetConfig(s.ctx, store.KeyDeviceID)
	s.Require().NoError(err)
	s.Equal(id, stored)

	fromCookie, err := s.cookie.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal(id, fromCookie)

	fromSession, err := s.session.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal(id, fromSession)

	s.Equal(id, s.svc.ResolveDeviceID(s.ctx), "stable within a process")
}

func (s *IdentityTestSuite) TestCarrierPriorityAndBackfill() {
	s.Require().NoError(s.cookie.Save(s.ctx, "CH_FROM_COOKIE"))
	s.Require().NoError(s.session.Save(s.ctx, "CH_FROM_SESSION"))

	id := s.svc.ResolveDeviceID(s.ctx)
	s.Equal("CH_FROM_COOKIE", id)

	stored, err := s.mem.GetConfig(s.ctx, store.KeyDeviceID)
	s.Require().NoError(err)
	s.Equal("CH_FROM_COOKIE", stored, "store carrier back-filled")
}

func (s *IdentityTestSuite) TestClearedStoreRecoversFromCookie() {
	first := s.svc.ResolveDeviceID(s.ctx)
	s.Require().NoError(s.mem.DeleteConfig(s.ctx, store.KeyDeviceID))

	restarted := s.newService(NewStoreCarrier(s.mem), s.cookie, &SessionCarrier{})
	s.Equal(first, restarted.ResolveDeviceID(s.ctx))
}

func (s *IdentityTestSuite) TestExpiredCookieIsIgnored() {
	s.Require().NoError(s.cookie.Save(s.ctx, "CH_OLD"))
	s.clock.Advance(25 * time.Hour)

	_, err := s.cookie.Load(s.ctx)
	s.ErrorIs(err, ErrNoValue)
	s.NotEqual("CH_OLD", s.svc.ResolveDeviceID(s.ctx))
}

func (s *IdentityTestSuite) TestAllWritesFailingDegradesToSessionOnly() {
	svc := s.newService(brokenCarrier{"store"}, brokenCarrier{"cookie"}, s.session)

	id := svc.ResolveDeviceID(s.ctx)
	s.NotEmpty(id)
	s.True(svc.SessionOnly())
}

func (s *IdentityTestSuite) TestSmallFingerprintDriftIsTolerated() {
	s.svc.ComputeFingerprint(s.ctx)
	s.collector.hash = "aaaaaaaaab"

	res := s.svc.ComputeFingerprint(s.ctx)
	s.True(res.Changed)
	s.False(res.Suspicious)
	s.InDelta(0.9, res.Similarity, 1e-9)
	s.Empty(s.activity(store.ActivityFingerprintChange))

	stored, _ := s.mem.GetConfig(s.ctx, store.KeyFingerprint)
	s.Equal("aaaaaaaaab", stored)
}

func (s *IdentityTestSuite) TestLargeFingerprintDriftIsSuspicious() {
	_, err := s.svc.RegisterSession(s.ctx, "")
	s.Require().NoError(err)
	s.collector.hash = "zzzzzzzzzz"

	res := s.svc.ComputeFingerprint(s.ctx)
	s.True(res.Suspicious)
	s.Len(s.activity(store.ActivityFingerprintChange), 1)

	d, err := s.repo.Get(s.ctx, s.svc.ResolveDeviceID(s.ctx))
	s.Require().NoError(err)
	s.Equal(1, d.SuspiciousActivityCount)

	stored, _ := s.mem.GetConfig(s.ctx, store.KeyFingerprint)
	s.Equal("zzzzzzzzzz", stored)
}

func (s *IdentityTestSuite) TestThirdSuspicionBlocks() {
	d, err := s.svc.RegisterSession(s.ctx, "")
	s.Require().NoError(err)
	id := d.DeviceID

	for i := 0; i < 2; i++ {
		d, err = s.svc.MarkSuspicious(s.ctx, id, "test")
		s.Require().NoError(err)
	}
	s.Equal(2, d.SuspiciousActivityCount)
	s.False(d.IsBlocked)

	d, err = s.svc.MarkSuspicious(s.ctx, id, "test")
	s.Require().NoError(err)
	s.True(d.IsBlocked)
	s.Len(s.activity(store.ActivityDeviceBlocked), 1)

	// Further suspicion keeps counting but does not re-log the block.
	d, err = s.svc.MarkSuspicious(s.ctx, id, "test")
	s.Require().NoError(err)
	s.Equal(4, d.SuspiciousActivityCount)
	s.Len(s.activity(store.ActivityDeviceBlocked), 1)
}

func (s *IdentityTestSuite) TestTooManyOrigins() {
	origins := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	for _, o := range append(origins, "10.0.0.1") {
		d, err := s.svc.RegisterSession(s.ctx, o)
		s.Require().NoError(err)
		s.Zero(d.SuspiciousActivityCount)
	}

	d, err := s.svc.RegisterSession(s.ctx, "10.0.0.6")
	s.Require().NoError(err)
	s.Len(d.IPHistory, 6)
	s.Equal(1, d.SuspiciousActivityCount)
	s.Len(s.activity(store.ActivityOriginLimitExceeded), 1)
}

func (s *IdentityTestSuite) TestRefreshAndDestroy() {
	s.svc.StartRefresh()
	s.clock.Advance(3 * time.Minute)
	s.Equal(3, s.collector.calls)

	s.svc.Destroy()
	s.clock.Advance(3 * time.Minute)
	s.Equal(3, s.collector.calls)
	s.False(s.timers.Active(refreshTimer))
}

func TestIdentityTestSuite(t *testing.T) {
	suite.Run(t, new(IdentityTestSuite))
}

func TestCookieCarrierFormat(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "nested", "device.cookie")
	c := NewCookieCarrier(path, time.Hour, clock)

	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoValue)

	require.NoError(t, c.Save(context.Background(), "CH_ABC"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "CH_ABC; expires=2026-01-01T01:00:00Z\n", string(raw))

	clock.Advance(time.Hour)
	_, err = c.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoValue, "expired cookie reads as empty")
}
