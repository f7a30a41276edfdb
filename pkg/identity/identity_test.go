package identity

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

type nullGossip struct{}

func (nullGossip) Announce(transport.MsgType, uint64, interface{}) {}

type fakeMesh struct {
	mu   sync.Mutex
	id   string
	sent map[string][]*transport.Message
}

func (f *fakeMesh) NodeID() string { return f.id }

func (f *fakeMesh) SendTo(nodeID string, m *transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]*transport.Message{}
	}
	f.sent[nodeID] = append(f.sent[nodeID], m)
	return nil
}

func (f *fakeMesh) last(nodeID string) *transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[nodeID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func newManager(t *testing.T, nodeID string) (*Manager, storage.Store, *fakeMesh) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk, err := clock.Load(store)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	mesh := &fakeMesh{id: nodeID}
	m, err := New(Config{NodeID: nodeID, Realm: "test", Role: types.NodeRoleWorker}, store, clk, nullGossip{}, mesh, broker)
	require.NoError(t, err)
	return m, store, mesh
}

func TestKeypairPersistsAcrossRestart(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	k1, err := loadOrCreateKeypair(store)
	require.NoError(t, err)
	k2, err := loadOrCreateKeypair(store)
	require.NoError(t, err)
	assert.Equal(t, k1.PublicKey(), k2.PublicKey())
}

func TestDIDFormat(t *testing.T) {
	m, _, _ := newManager(t, "abcd1234")
	assert.Equal(t, "did:test:abcd1234", m.DID())
}

func TestChallengeResponseRoundTrip(t *testing.T) {
	alice, aliceStore, aliceMesh := newManager(t, "aaaa")
	bob, _, bobMesh := newManager(t, "bbbb")

	// alice must know bob's identity record to verify him
	require.NoError(t, bob.AnnounceSelf())
	require.NoError(t, aliceStore.PutIdentity(&types.Identity{
		DID: bob.DID(), NodeID: "bbbb", PublicKey: bob.PublicKeyHex(),
		Role: types.NodeRoleWorker, LamportTS: 1,
	}))

	alice.Challenge("bbbb")
	challenge := aliceMesh.last("bbbb")
	require.NotNil(t, challenge)
	require.Equal(t, transport.MsgAuthChallenge, challenge.Type)

	require.True(t, bob.HandleMessage("aaaa", challenge))
	response := bobMesh.last("aaaa")
	require.NotNil(t, response)
	require.Equal(t, transport.MsgAuthResponse, response.Type)

	require.True(t, alice.HandleMessage("bbbb", response))
	assert.True(t, alice.IsVerified("bbbb"))
	assert.Equal(t, bob.DID(), alice.VerifiedDID("bbbb"))
}

func TestResponseWithoutPendingChallengeRejected(t *testing.T) {
	alice, aliceStore, aliceMesh := newManager(t, "aaaa")
	bob, _, bobMesh := newManager(t, "bbbb")
	require.NoError(t, aliceStore.PutIdentity(&types.Identity{
		DID: bob.DID(), NodeID: "bbbb", PublicKey: bob.PublicKeyHex(), LamportTS: 1,
	}))

	// bob answers a challenge alice never issued
	forged, err := transport.NewMessage(transport.MsgAuthChallenge, "aaaa", 0, &challengePayload{
		Nonce: "00112233445566778899aabbccddeeff", Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	bob.HandleMessage("aaaa", forged)

	alice.HandleMessage("bbbb", bobMesh.last("aaaa"))
	assert.False(t, alice.IsVerified("bbbb"))
	reject := aliceMesh.last("bbbb")
	require.NotNil(t, reject)
	assert.Equal(t, transport.MsgAuthReject, reject.Type)
}

func TestTamperedSignatureRejected(t *testing.T) {
	alice, aliceStore, aliceMesh := newManager(t, "aaaa")
	bob, _, bobMesh := newManager(t, "bbbb")
	require.NoError(t, aliceStore.PutIdentity(&types.Identity{
		DID: bob.DID(), NodeID: "bbbb", PublicKey: bob.PublicKeyHex(), LamportTS: 1,
	}))

	alice.Challenge("bbbb")
	bob.HandleMessage("aaaa", aliceMesh.last("bbbb"))
	response := bobMesh.last("aaaa")

	var rsp responsePayload
	require.NoError(t, response.Decode(&rsp))
	rsp.Signature = "deadbeef"
	tampered, err := transport.NewMessage(transport.MsgAuthResponse, "bbbb", 0, &rsp)
	require.NoError(t, err)

	alice.HandleMessage("bbbb", tampered)
	assert.False(t, alice.IsVerified("bbbb"))
}

func TestCredentialIssueAndVerify(t *testing.T) {
	emperor, _, _ := newManager(t, "eeee")
	require.NoError(t, emperor.AnnounceSelf())

	cred, err := emperor.Issue("did:test:wwww", types.CredSwarmMember, map[string]interface{}{"tier": "gold"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, cred.Signature)

	assert.NoError(t, emperor.VerifyCredential(cred))
	assert.True(t, emperor.HasCredential("did:test:wwww", types.CredSwarmMember))
	assert.False(t, emperor.HasCredential("did:test:wwww", types.CredEmperorTrust))

	// tampering with claims invalidates the signature
	cred.Claims["tier"] = "lead"
	assert.Error(t, emperor.VerifyCredential(cred))
}

func TestCredentialFromUnknownIssuerFails(t *testing.T) {
	m, _, _ := newManager(t, "aaaa")
	cred := &types.Credential{
		ID: "c1", IssuerDID: "did:test:ghost", SubjectDID: "did:test:aaaa",
		Type: types.CredSwarmMember, Signature: "00", LamportTS: 1,
	}
	assert.Error(t, m.VerifyCredential(cred))
}

func TestExpiryBoundaryIsExpired(t *testing.T) {
	emperor, store, _ := newManager(t, "eeee")
	require.NoError(t, emperor.AnnounceSelf())

	cred, err := emperor.Issue("did:test:wwww", types.CredSwarmMember, nil, time.Hour)
	require.NoError(t, err)

	// force the expiry into the past, re-sign so only expiry is at fault
	cred.ExpiresAt = time.Now().Add(-time.Nanosecond)
	payload, err := canonicalCredential(cred)
	require.NoError(t, err)
	cred.Signature = hex.EncodeToString(emperor.Sign(payload))
	require.NoError(t, store.PutCredential(cred))

	assert.False(t, emperor.HasCredential("did:test:wwww", types.CredSwarmMember))
}

func TestSelfIssuedEmperorTrust(t *testing.T) {
	emperor, _, _ := newManager(t, "eeee")
	require.NoError(t, emperor.AnnounceSelf())

	_, err := emperor.SelfIssueEmperorTrust(24 * time.Hour)
	require.NoError(t, err)
	assert.True(t, emperor.HasCredential(emperor.DID(), types.CredEmperorTrust))
}
