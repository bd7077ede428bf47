// ABOUTME: Tests for the DM conversation resolver
// ABOUTME: Covers canonical keys, self-DM rejection, race recovery and concurrent creators on SQLite

package conversation

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dm-gateway/internal/store"
)

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		name   string
		u1, u2 string
		key    string
		a, b   string
	}{
		{"ordered", "alice", "bob", "alice:bob", "alice", "bob"},
		{"reversed", "bob", "alice", "alice:bob", "alice", "bob"},
		{"mixed case", "Bob", "alice", "alice:bob", "alice", "Bob"},
		{"upper first", "ALICE", "bob", "alice:bob", "ALICE", "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, a, b := CanonicalKey(tt.u1, tt.u2)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.a, a)
			assert.Equal(t, tt.b, b)
		})
	}
}

func TestResolveOrCreate_OrderIndependent(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, nil)
	ctx := t.Context()

	c1, err := r.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	c2, err := r.ResolveOrCreate(ctx, "bob", "alice")
	require.NoError(t, err)
	c3, err := r.ResolveOrCreate(ctx, "BOB", "Alice")
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, c1.ID, c3.ID)
	assert.Equal(t, "alice:bob", c1.DMKey)

	members, err := ms.ListMembers(ctx, c1.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].Username)
	assert.Equal(t, "bob", members[1].Username)
}

func TestResolveOrCreate_KeepsOriginalCasingInMembers(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, nil)

	conv, err := r.ResolveOrCreate(t.Context(), "Zed", "Amy")
	require.NoError(t, err)
	assert.Equal(t, "amy:zed", conv.DMKey)

	members, err := ms.ListMembers(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Amy", members[0].Username)
	assert.Equal(t, "Zed", members[1].Username)
}

func TestResolveOrCreate_SelfRejected(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, nil)

	_, err := r.ResolveOrCreate(t.Context(), "alice", "alice")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.ResolveOrCreate(t.Context(), "alice", "  ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ms.GetConversationByKey(t.Context(), "alice:alice")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing may be persisted")
}

func TestResolveOrCreate_CaseVariantsOfSelfPassSelfCheck(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, nil)

	conv, err := r.ResolveOrCreate(t.Context(), "Alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice:alice", conv.DMKey)
}

func TestResolveOrCreate_DuplicateThenRereadSucceeds(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, nil)
	ctx := t.Context()

	// Simulate a concurrent creator committing between our lookup and insert
	var winner *store.Conversation
	ms.BeforeCreateConversation = func(conv *store.Conversation) error {
		ms.BeforeCreateConversation = nil
		winner = &store.Conversation{DMKey: conv.DMKey}
		return ms.CreateConversation(ctx, winner, []string{"alice", "bob"})
	}

	conv, err := r.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, winner.ID, conv.ID)
}

func TestResolveOrCreate_DuplicateThenRereadFails(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, nil)
	ctx := t.Context()

	ms.BeforeCreateConversation = func(*store.Conversation) error {
		return store.ErrDuplicateConversation
	}
	lookups := 0
	ms.BeforeGetConversationByKey = func(string) error {
		lookups++
		if lookups > 1 {
			return errors.New("disk on fire")
		}
		return nil
	}

	_, err := r.ResolveOrCreate(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 2, lookups, "exactly one re-read, no loop")
}

func TestResolveOrCreate_LookupFailure(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, nil)

	ms.BeforeGetConversationByKey = func(string) error { return errors.New("connection reset") }

	_, err := r.ResolveOrCreate(t.Context(), "alice", "bob")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestResolveOrCreate_ConcurrentCreatorsSQLite(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "race.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := NewResolver(s, nil)
	ctx := t.Context()

	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Alternate argument order and casing across workers
			u1, u2 := "alice", "bob"
			if i%2 == 1 {
				u1, u2 = "Bob", "ALICE"
			}
			conv, err := r.ResolveOrCreate(ctx, u1, u2)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	convs, err := s.ListConversationsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1, "exactly one conversation for the pair")

	members, err := s.ListMembers(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, members, 2, "exactly two membership rows")
	names := []string{strings.ToLower(members[0].Username), strings.ToLower(members[1].Username)}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}
