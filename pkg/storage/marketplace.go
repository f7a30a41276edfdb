package storage

import (
	"github.com/mfrederico/voidlux/pkg/types"
)

// Marketplace entity operations. All follow the same LWW discipline as
// tasks and agents; tributes are merged on (lamport_ts, from_did).

func (s *BoltStore) PutOffering(o *types.Offering) error {
	return putJSON(s, bucketOfferings, o.ID, o)
}

func (s *BoltStore) GetOffering(id string) (*types.Offering, error) {
	return getJSON[types.Offering](s, bucketOfferings, id, "offering")
}

func (s *BoltStore) ListOfferings() ([]*types.Offering, error) {
	return listJSON[types.Offering](s, bucketOfferings, nil)
}

func (s *BoltStore) ListOfferingsSince(ts uint64) ([]*types.Offering, error) {
	return listJSON(s, bucketOfferings, func(o *types.Offering) bool {
		return o.LamportTS > ts
	})
}

func (s *BoltStore) MergeOffering(o *types.Offering) (bool, error) {
	return mergeLWW(s, bucketOfferings, o.ID, o, func(x *types.Offering) (uint64, string) {
		return x.LamportTS, x.NodeID
	})
}

func (s *BoltStore) PutTribute(t *types.Tribute) error {
	return putJSON(s, bucketTributes, t.ID, t)
}

func (s *BoltStore) GetTribute(id string) (*types.Tribute, error) {
	return getJSON[types.Tribute](s, bucketTributes, id, "tribute")
}

func (s *BoltStore) ListTributes() ([]*types.Tribute, error) {
	return listJSON[types.Tribute](s, bucketTributes, nil)
}

func (s *BoltStore) MergeTribute(t *types.Tribute) (bool, error) {
	return mergeLWW(s, bucketTributes, t.ID, t, func(x *types.Tribute) (uint64, string) {
		return x.LamportTS, x.FromDID
	})
}

func (s *BoltStore) PutBounty(b *types.Bounty) error {
	return putJSON(s, bucketBounties, b.ID, b)
}

func (s *BoltStore) GetBounty(id string) (*types.Bounty, error) {
	return getJSON[types.Bounty](s, bucketBounties, id, "bounty")
}

func (s *BoltStore) ListBounties() ([]*types.Bounty, error) {
	return listJSON[types.Bounty](s, bucketBounties, nil)
}

func (s *BoltStore) ListBountiesByStatus(status types.BountyStatus) ([]*types.Bounty, error) {
	return listJSON(s, bucketBounties, func(b *types.Bounty) bool {
		return b.Status == status
	})
}

func (s *BoltStore) ListBountiesSince(ts uint64) ([]*types.Bounty, error) {
	return listJSON(s, bucketBounties, func(b *types.Bounty) bool {
		return b.LamportTS > ts
	})
}

func (s *BoltStore) MergeBounty(b *types.Bounty) (bool, error) {
	return mergeLWW(s, bucketBounties, b.ID, b, func(x *types.Bounty) (uint64, string) {
		return x.LamportTS, x.PosterNodeID
	})
}

func (s *BoltStore) PutPost(p *types.Post) error {
	return putJSON(s, bucketMessages, p.ID, p)
}

func (s *BoltStore) GetPost(id string) (*types.Post, error) {
	return getJSON[types.Post](s, bucketMessages, id, "post")
}

func (s *BoltStore) ListPosts() ([]*types.Post, error) {
	return listJSON[types.Post](s, bucketMessages, nil)
}

func (s *BoltStore) ListPostsSince(ts uint64) ([]*types.Post, error) {
	return listJSON(s, bucketMessages, func(p *types.Post) bool {
		return p.LamportTS > ts
	})
}

func (s *BoltStore) MergePost(p *types.Post) (bool, error) {
	return mergeLWW(s, bucketMessages, p.ID, p, func(x *types.Post) (uint64, string) {
		return x.LamportTS, x.AuthorDID
	})
}

// AppendWalletEntry records a settlement in the append-only ledger
func (s *BoltStore) AppendWalletEntry(e *types.WalletEntry) error {
	return putJSON(s, bucketWallet, e.ID, e)
}

func (s *BoltStore) ListWalletEntries() ([]*types.WalletEntry, error) {
	return listJSON[types.WalletEntry](s, bucketWallet, nil)
}
