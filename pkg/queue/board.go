package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

// Message-board posts ride the same gossip plane as tasks but have no
// CAS lifecycle: they are plain LWW records, so a concurrent claim on
// two nodes converges to whichever write carries the higher timestamp.

// CreatePost publishes a new board post
func (q *Queue) CreatePost(kind types.PostKind, title, body, authorDID string) (*types.Post, error) {
	if title == "" {
		return nil, fmt.Errorf("post title is required")
	}
	now := time.Now().UTC()
	p := &types.Post{
		ID:        uuid.New().String(),
		Kind:      kind,
		State:     types.PostActive,
		AuthorDID: authorDID,
		Title:     title,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
		LamportTS: q.clock.Tick(),
	}
	if err := q.store.PutPost(p); err != nil {
		return nil, fmt.Errorf("failed to store post: %w", err)
	}
	q.gossip.Announce(transport.MsgPost, p.LamportTS, p)
	log.WithComponent("board").Info().Str("post_id", p.ID).Str("kind", string(kind)).Msg("post created")
	return p, nil
}

// ClaimPost marks an active post as claimed by a DID
func (q *Queue) ClaimPost(postID, claimerDID string) bool {
	return q.updatePost(postID, []types.PostState{types.PostActive}, func(p *types.Post) {
		p.State = types.PostClaimed
		p.ClaimedBy = claimerDID
	})
}

// ResolvePost closes out a post
func (q *Queue) ResolvePost(postID string) bool {
	return q.updatePost(postID, []types.PostState{types.PostActive, types.PostClaimed}, func(p *types.Post) {
		p.State = types.PostResolved
	})
}

// ArchivePost hides a resolved post from listings
func (q *Queue) ArchivePost(postID string) bool {
	return q.updatePost(postID, []types.PostState{types.PostResolved}, func(p *types.Post) {
		p.State = types.PostArchived
	})
}

// ListPosts returns every known board post
func (q *Queue) ListPosts() ([]*types.Post, error) {
	return q.store.ListPosts()
}

func (q *Queue) updatePost(postID string, allowedFrom []types.PostState, mutate func(*types.Post)) bool {
	p, err := q.store.GetPost(postID)
	if err != nil || p == nil {
		return false
	}
	allowed := false
	for _, s := range allowedFrom {
		if p.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	mutate(p)
	p.UpdatedAt = time.Now().UTC()
	p.LamportTS = q.clock.Tick()
	if err := q.store.PutPost(p); err != nil {
		log.WithComponent("board").Error().Err(err).Str("post_id", postID).Msg("post update failed")
		return false
	}
	q.gossip.Announce(transport.MsgPost, p.LamportTS, p)
	return true
}
