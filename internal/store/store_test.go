package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	clock := time.UnixMilli(1_700_000_000_000)
	s, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "bridge.db"),
		Logger: zerolog.Nop(),
		Now: func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestSaveCallRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ringing := map[string]string{
		"Event-Name":           "CHANNEL_STATE",
		"Unique-ID":            "a1b2c3d4-0001",
		"Answer-State":         "ringing",
		"Event-Date-Timestamp": "1700000000000001",
	}
	hangup := map[string]string{
		"Unique-ID":        "a1b2c3d4-0001",
		"Hangup-Cause":     "NORMAL_CLEARING",
		"variable_billsec": "16",
	}
	require.NoError(t, s.SaveCallRecord(ctx, "call-state", ringing))
	require.NoError(t, s.SaveCallRecord(ctx, "hangup-complete", hangup))

	all, err := s.CallRecords(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "call-state", all[0].Kind)
	assert.Equal(t, "hangup-complete", all[1].Kind)

	states, err := s.CallRecords(ctx, "call-state")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "a1b2c3d4-0001", states[0].UniqueID)
	assert.Equal(t, ringing, states[0].Fields)
	assert.False(t, states[0].ReceivedAt.IsZero())
}

func TestSaveCallRecordIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fields := map[string]string{
		"Unique-ID":            "a1b2c3d4-0001",
		"Event-Date-Timestamp": "1700000000000001",
	}
	require.NoError(t, s.SaveCallRecord(ctx, "call-recorded", fields))
	require.NoError(t, s.SaveCallRecord(ctx, "call-recorded", fields))

	records, err := s.CallRecords(ctx, "call-recorded")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSaveCallRecordWithoutIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCallRecord(ctx, "call-state", map[string]string{"Answer-State": "early"}))
	require.NoError(t, s.SaveCallRecord(ctx, "call-state", map[string]string{"Answer-State": "early"}))

	records, err := s.CallRecords(ctx, "call-state")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[0].UniqueID)
	assert.NotEqual(t, records[0].ID, records[1].ID)
}

func TestRegistrations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	regs, err := s.Registrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs)

	require.NoError(t, s.SetRegistration(ctx, "1001", true))
	require.NoError(t, s.SetRegistration(ctx, "1002", true))
	require.NoError(t, s.SetRegistration(ctx, "1002", false))
	require.NoError(t, s.SetRegistration(ctx, "1003", true))

	regs, err = s.Registrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"1001": true, "1002": false, "1003": true}, regs)

	require.NoError(t, s.ResetRegistrations(ctx))
	regs, err = s.Registrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"1001": false, "1002": false, "1003": false}, regs)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.SetRegistration(ctx, "1001", true))
	require.NoError(t, s.SaveCallRecord(ctx, "call-state", map[string]string{"Unique-ID": "u1"}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	regs, err := s.Registrations(ctx)
	require.NoError(t, err)
	assert.True(t, regs["1001"])

	records, err := s.CallRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
