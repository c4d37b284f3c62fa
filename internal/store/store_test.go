package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// StoreSuite runs the same contract against every Store implementation.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreSuite) TestDeviceRoundTrip() {
	_, err := s.store.GetDevice(s.ctx, "CH_MISSING")
	s.ErrorIs(err, ErrNotFound)

	used := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := &DeviceRecord{
		DeviceID:            "CH_A",
		Fingerprint:         "abc",
		FreeCyclesUsed:      1,
		LastFreeCycleAt:     &used,
		IPHistory:           []string{"10.0.0.1", "10.0.0.2"},
		CreatedAt:           used,
		LastAccessAt:        used,
		FreeCyclesAvailable: 0,
	}
	s.Require().NoError(s.store.SaveDevice(s.ctx, d))

	got, err := s.store.GetDevice(s.ctx, "CH_A")
	s.Require().NoError(err)
	s.Equal(1, got.FreeCyclesUsed)
	s.Equal([]string{"10.0.0.1", "10.0.0.2"}, got.IPHistory)
	s.Require().NotNil(got.LastFreeCycleAt)
	s.True(used.Equal(*got.LastFreeCycleAt))

	got.FreeCyclesUsed = 0
	got.IsBlocked = true
	s.Require().NoError(s.store.SaveDevice(s.ctx, got))

	again, err := s.store.GetDevice(s.ctx, "CH_A")
	s.Require().NoError(err)
	s.Equal(0, again.FreeCyclesUsed)
	s.True(again.IsBlocked)
}

func (s *StoreSuite) TestSaveDevicesAndList() {
	s.Require().NoError(s.store.SaveDevices(s.ctx, []*DeviceRecord{
		{DeviceID: "CH_B", FreeCyclesUsed: 1},
		{DeviceID: "CH_A", FreeCyclesUsed: 2},
	}))

	all, err := s.store.ListDevices(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal("CH_A", all[0].DeviceID)
	s.Equal("CH_B", all[1].DeviceID)
}

func (s *StoreSuite) TestActivityIsAppendOnlyAndFiltered() {
	now := time.Now().UTC()
	entries := []*ActivityEntry{
		{DeviceID: "CH_A", Type: ActivityFreeCycleUsed, Timestamp: now.Add(-time.Hour)},
		{DeviceID: "CH_B", Type: ActivityBlockedAttempt, Timestamp: now},
		{DeviceID: "CH_A", Type: ActivityCooldownActive, Timestamp: now, Payload: map[string]interface{}{"remaining_seconds": 120.0}},
	}
	for _, e := range entries {
		s.Require().NoError(s.store.AppendActivity(s.ctx, e))
		s.NotZero(e.ID)
	}

	all, err := s.store.ListActivity(s.ctx, ActivityFilter{})
	s.Require().NoError(err)
	s.Len(all, 3)
	s.Equal(ActivityFreeCycleUsed, all[0].Type)

	forA, err := s.store.ListActivity(s.ctx, ActivityFilter{DeviceID: "CH_A"})
	s.Require().NoError(err)
	s.Len(forA, 2)
	s.Equal(120.0, forA[1].Payload["remaining_seconds"])

	recent, err := s.store.ListActivity(s.ctx, ActivityFilter{Since: now.Add(-time.Minute)})
	s.Require().NoError(err)
	s.Len(recent, 2)

	limited, err := s.store.ListActivity(s.ctx, ActivityFilter{Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)
}

func (s *StoreSuite) TestConfig() {
	_, err := s.store.GetConfig(s.ctx, KeyDeviceID)
	s.ErrorIs(err, ErrNotFound)

	s.Require().NoError(s.store.SetConfig(s.ctx, KeyDeviceID, "CH_1"))
	s.Require().NoError(s.store.SetConfig(s.ctx, KeyDeviceID, "CH_2"))
	v, err := s.store.GetConfig(s.ctx, KeyDeviceID)
	s.Require().NoError(err)
	s.Equal("CH_2", v)

	s.Require().NoError(s.store.DeleteConfig(s.ctx, KeyDeviceID))
	_, err = s.store.GetConfig(s.ctx, KeyDeviceID)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestSyncItemsReplaceInOrder() {
	items := []SyncItem{
		{ID: "a", Seq: 1, Type: SyncItemLog, Payload: json.RawMessage(`{"n":1}`)},
		{ID: "b", Seq: 2, Type: SyncItemCycle, Payload: json.RawMessage(`{"n":2}`), RetryCount: 1},
	}
	s.Require().NoError(s.store.SaveSyncItems(s.ctx, items))

	loaded, err := s.store.LoadSyncItems(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(loaded, 2)
	s.Equal("a", loaded[0].ID)
	s.Equal(1, loaded[1].RetryCount)
	s.JSONEq(`{"n":2}`, string(loaded[1].Payload))

	s.Require().NoError(s.store.SaveSyncItems(s.ctx, items[1:]))
	loaded, err = s.store.LoadSyncItems(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(loaded, 1)
	s.Equal("b", loaded[0].ID)

	s.Require().NoError(s.store.SaveSyncItems(s.ctx, nil))
	loaded, err = s.store.LoadSyncItems(s.ctx)
	s.Require().NoError(err)
	s.Empty(loaded)
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() Store { return NewMemoryStore() }})
}

func TestGormStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() Store {
		st, err := OpenSQLite(filepath.Join(t.TempDir(), "kiosk.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return st
	}})
}

func TestMemoryStoreFailWrites(t *testing.T) {
	st := NewMemoryStore()
	st.FailWrites(ErrNotFound)
	ctx := context.Background()

	if err := st.SaveDevice(ctx, &DeviceRecord{DeviceID: "x"}); err == nil {
		t.Fatal("expected write failure")
	}
	st.FailWrites(nil)
	if err := st.SaveDevice(ctx, &DeviceRecord{DeviceID: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeviceRecordCloneIsDeep(t *testing.T) {
	now := time.Now()
	d := &DeviceRecord{DeviceID: "x", IPHistory: []string{"a"}, LastFreeCycleAt: &now}
	c := d.Clone()
	c.IPHistory[0] = "b"
	*c.LastFreeCycleAt = now.Add(time.Hour)

	if d.IPHistory[0] != "a" || !d.LastFreeCycleAt.Equal(now) {
		t.Fatal("clone shares memory with original")
	}
}

func TestUnavailableFailsEverything(t *testing.T) {
	cause := errors.New("disk full")
	var s Store = Unavailable{Cause: cause}
	ctx := context.Background()

	_, err := s.GetDevice(ctx, "x")
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	_, err = s.GetConfig(ctx, KeyDeviceID)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, s.SaveSyncItems(ctx, nil), cause)
	assert.NoError(t, s.Close())
}
