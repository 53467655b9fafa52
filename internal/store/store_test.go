package store

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
	"github.com/atomicbridge/htlc-relayer/internal/swaptypes"
)

func testSwap(id string) *swaptypes.Swap {
	return &swaptypes.Swap{
		MessageID:      id,
		Direction:      swaptypes.EthToNear,
		SecretHash:     swaptypes.Hash32{1, 2, 3},
		AmountSource:   swaptypes.NewAmount(big.NewInt(1000), swaptypes.UnitWei),
		AmountDest:     swaptypes.NewAmount(big.NewInt(900), swaptypes.UnitYoctoNear),
		Initiator:      "0xabc",
		Recipient:      "alice.near",
		TimelockSource: 2000,
		TimelockDest:   1000,
	}
}

func TestStore_BeginThenLoad_AlreadyExists(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Load())

	require.NoError(t, s.Begin("msg-1", testSwap("msg-1")))
	require.ErrorIs(t, s.Begin("msg-1", testSwap("msg-1")), relayererr.AlreadyExists)

	// Simulate a restart: fresh Store instance over the same directory.
	s2, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s2.Load())

	require.ErrorIs(t, s2.Begin("msg-1", testSwap("msg-1")), relayererr.AlreadyExists)
}

func TestStore_LoadMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Load())
	require.Empty(t, s.All())
}

func TestStore_LoadMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultSwapsFile), []byte("not json"), 0o600))

	s, err := New(dir)
	require.NoError(t, err)
	err = s.Load()
	require.Error(t, err)
	var storageErr *relayererr.StorageError
	require.ErrorAs(t, err, &storageErr)
}

func TestStore_TransitionEnforcesStateGraph(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Load())
	require.NoError(t, s.Begin("msg-1", testSwap("msg-1")))

	// Legal: observed -> mirroring
	require.NoError(t, s.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))

	// Illegal: mirroring -> settled (skips awaiting_settlement/propagating)
	err = s.Transition("msg-1", swaptypes.StatusMirroring, swaptypes.StatusSettled, nil)
	require.Error(t, err)

	rec, ok := s.Get("msg-1")
	require.True(t, ok)
	require.Equal(t, swaptypes.StatusMirroring, rec.Status)
}

func TestStore_MarkTerminalRecordsProcessed(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Load())
	require.NoError(t, s.Begin("msg-1", testSwap("msg-1")))
	require.NoError(t, s.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, s.Transition("msg-1", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))
	require.NoError(t, s.Transition("msg-1", swaptypes.StatusAwaitingSettlement, swaptypes.StatusPropagating, nil))

	require.False(t, s.IsProcessed("msg-1"))

	secret := swaptypes.Hash32{9, 9, 9}
	err = s.MarkTerminal("msg-1", swaptypes.StatusPropagating, swaptypes.StatusSettled, func(sw *swaptypes.Swap) {
		sw.Secret = &secret
	})
	require.NoError(t, err)
	require.True(t, s.IsProcessed("msg-1"))

	rec, ok := s.Get("msg-1")
	require.True(t, ok)
	require.Equal(t, swaptypes.StatusSettled, rec.Status)
	require.NotNil(t, rec.Secret)
}

func TestStore_RejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := NewWithFilenames(dir, "../escape.json", DefaultSwapsFile)
	require.Error(t, err)
	var secErr *relayererr.SecurityError
	require.ErrorAs(t, err, &secErr)
	require.Equal(t, relayererr.IssuePathEscape, secErr.Issue)
}

func TestStore_RejectsInvalidFilename(t *testing.T) {
	dir := t.TempDir()
	_, err := NewWithFilenames(dir, "bad name!.json", DefaultSwapsFile)
	require.Error(t, err)
}

func TestStore_InvalidMessageIDRejectedOnBegin(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Load())

	err = s.Begin("", testSwap(""))
	require.Error(t, err)

	require.False(t, s.IsProcessed(""))
}

func TestSwap_JSONRoundTrip(t *testing.T) {
	sw := testSwap("msg-1")
	sw.Status = swaptypes.StatusMirroring
	data, err := json.Marshal(sw)
	require.NoError(t, err)

	var out swaptypes.Swap
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, sw.MessageID, out.MessageID)
	require.Equal(t, sw.SecretHash, out.SecretHash)
	require.Equal(t, sw.AmountSource.Value.String(), out.AmountSource.Value.String())
	require.Equal(t, sw.Status, out.Status)
}
