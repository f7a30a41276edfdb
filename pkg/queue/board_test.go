package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

func TestPostLifecycle(t *testing.T) {
	q, store, gossip := newTestQueue(t)

	p, err := q.CreatePost(types.PostIdea, "cache the census", "keep node records warm", "did:test:aaaa")
	require.NoError(t, err)
	assert.Equal(t, types.PostActive, p.State)
	assert.Equal(t, 1, gossip.count(transport.MsgPost))

	require.True(t, q.ClaimPost(p.ID, "did:test:bbbb"))
	got, err := store.GetPost(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostClaimed, got.State)
	assert.Equal(t, "did:test:bbbb", got.ClaimedBy)

	// already claimed
	assert.False(t, q.ClaimPost(p.ID, "did:test:cccc"))

	require.True(t, q.ResolvePost(p.ID))
	require.True(t, q.ArchivePost(p.ID))
	got, err = store.GetPost(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostArchived, got.State)

	// every state change gossips
	assert.Equal(t, 4, gossip.count(transport.MsgPost))
}

func TestPostTitleRequired(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.CreatePost(types.PostDiscussion, "", "body", "did:test:aaaa")
	assert.Error(t, err)
}

func TestArchiveRequiresResolved(t *testing.T) {
	q, _, _ := newTestQueue(t)
	p, err := q.CreatePost(types.PostAnnouncement, "release notes", "", "did:test:aaaa")
	require.NoError(t, err)
	assert.False(t, q.ArchivePost(p.ID))
}
