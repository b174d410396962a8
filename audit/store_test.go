package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wagerchain/core/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type stubEvent struct{ evt *types.Event }

func (s stubEvent) EventType() string   { return s.evt.Type }
func (s stubEvent) Event() *types.Event { return s.evt }

func TestAppendBuildsChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, &types.Event{Type: "wager.opened", Attributes: map[string]string{"id": "g1", "stake": "100"}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Seq)
	require.Empty(t, first.PrevDigest)

	store.Emit(stubEvent{evt: &types.Event{Type: "wager.joined", Attributes: map[string]string{"id": "g1"}}})
	_, err = store.Append(ctx, &types.Event{Type: "wager.opened", Attributes: map[string]string{"id": "g2"}})
	require.NoError(t, err)

	history, err := store.History(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "wager.opened", history[0].Type)
	require.Equal(t, "wager.joined", history[1].Type)
	require.Equal(t, history[0].Digest, history[1].PrevDigest)

	checked, err := store.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, checked)
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"g1", "g2", "g3"} {
		_, err := store.Append(ctx, &types.Event{Type: "wager.opened", Attributes: map[string]string{"id": id}})
		require.NoError(t, err)
	}

	require.NoError(t, store.db.Model(&Entry{}).Where("seq = ?", 2).Update("attributes", `{"id":"forged"}`).Error)
	checked, err := store.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	require.Equal(t, 1, checked)
}

func TestVerifyDetectsGap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"g1", "g2", "g3"} {
		_, err := store.Append(ctx, &types.Event{Type: "wager.opened", Attributes: map[string]string{"id": id}})
		require.NoError(t, err)
	}
	require.NoError(t, store.db.Delete(&Entry{}, "seq = ?", 2).Error)
	_, err := store.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
