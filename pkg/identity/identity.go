package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

const (
	secretStateKey = "identity_secret"

	// challengeTTL is how long an issued nonce stays pending
	challengeTTL = 30 * time.Second
	// challengeFreshness is the accepted clock skew on a response
	challengeFreshness = 5 * time.Minute

	nonceBytes = 16
)

// Keypair is an opaque handle over the node's Ed25519 keys. The secret
// never leaves this type; callers get Sign and PublicKey only.
type Keypair struct {
	priv ed25519.PrivateKey
}

// Sign returns the detached signature over data
func (k *Keypair) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// PublicKey returns the public half
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// loadOrCreateKeypair restores the node key from swarm_state, creating
// one on first boot.
func loadOrCreateKeypair(store storage.Store) (*Keypair, error) {
	data, err := store.GetState(secretStateKey)
	if err != nil {
		return nil, err
	}
	if len(data) == ed25519.SeedSize {
		return &Keypair{priv: ed25519.NewKeyFromSeed(data)}, nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	if err := store.PutState(secretStateKey, priv.Seed()); err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// Gossip floods identity and credential records
type Gossip interface {
	Announce(t transport.MsgType, lamportTS uint64, payload interface{})
}

// Mesh is the unicast surface for challenge-response
type Mesh interface {
	NodeID() string
	SendTo(nodeID string, m *transport.Message) error
}

// Config holds identity settings
type Config struct {
	NodeID string
	Realm  string
	Role   types.NodeRole
}

// Manager owns the node keypair, the DID, challenge-response
// verification of peers, and credential issuance.
type Manager struct {
	cfg    Config
	store  storage.Store
	clock  *clock.Lamport
	gossip Gossip
	mesh   Mesh
	broker *events.Broker
	keys   *Keypair

	pending  *cache.Cache // peer node id -> issued nonce
	verified *cache.Cache // peer node id -> verified DID
}

// New creates the identity manager, generating the node key on first boot
func New(cfg Config, store storage.Store, clk *clock.Lamport, gossip Gossip, mesh Mesh, broker *events.Broker) (*Manager, error) {
	if cfg.Realm == "" {
		cfg.Realm = "voidlux"
	}
	keys, err := loadOrCreateKeypair(store)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		clock:    clk,
		gossip:   gossip,
		mesh:     mesh,
		broker:   broker,
		keys:     keys,
		pending:  cache.New(challengeTTL, 10*time.Second),
		verified: cache.New(cache.NoExpiration, 0),
	}, nil
}

// DID returns this node's decentralised identifier
func (m *Manager) DID() string {
	return fmt.Sprintf("did:%s:%s", m.cfg.Realm, m.cfg.NodeID)
}

// Sign signs data with the node key
func (m *Manager) Sign(data []byte) []byte { return m.keys.Sign(data) }

// PublicKeyHex returns the node public key in hex
func (m *Manager) PublicKeyHex() string {
	return hex.EncodeToString(m.keys.PublicKey())
}

// AnnounceSelf stores and floods this node's identity record
func (m *Manager) AnnounceSelf() error {
	id := &types.Identity{
		DID:       m.DID(),
		NodeID:    m.cfg.NodeID,
		PublicKey: m.PublicKeyHex(),
		Role:      m.cfg.Role,
		CreatedAt: time.Now().UTC(),
		LamportTS: m.clock.Tick(),
	}
	if err := m.store.PutIdentity(id); err != nil {
		return err
	}
	m.gossip.Announce(transport.MsgIdentityAnnounce, id.LamportTS, id)
	return nil
}

// challengePayload opens the auth exchange
type challengePayload struct {
	Nonce     string `json:"nonce"` // 16 random bytes, hex
	Timestamp int64  `json:"timestamp"`
}

// responsePayload answers a challenge
type responsePayload struct {
	DID       string `json:"did"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"` // hex, over canonicalChallenge
}

// rejectPayload explains a failed verification
type rejectPayload struct {
	Reason string `json:"reason"`
}

// canonicalChallenge is the exact byte string both sides sign/verify
func canonicalChallenge(nonce string, ts int64, did string) []byte {
	return []byte(fmt.Sprintf("voidlux-auth:%s:%d:%s", nonce, ts, did))
}

// Challenge issues a fresh nonce to a newly connected peer. Wired to
// the transport's OnPeerUp hook.
func (m *Manager) Challenge(peerID string) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return
	}
	nonce := hex.EncodeToString(buf)
	m.pending.Set(peerID, nonce, challengeTTL)

	msg, err := transport.NewMessage(transport.MsgAuthChallenge, m.cfg.NodeID, 0, &challengePayload{
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	_ = m.mesh.SendTo(peerID, msg)
}

// IsVerified reports whether a peer passed challenge-response
func (m *Manager) IsVerified(peerID string) bool {
	_, ok := m.verified.Get(peerID)
	return ok
}

// VerifiedDID returns the DID a peer proved, or ""
func (m *Manager) VerifiedDID(peerID string) string {
	if v, ok := m.verified.Get(peerID); ok {
		return v.(string)
	}
	return ""
}

// HandleMessage processes the auth tag space (0x60-0x62).
// Returns false for other tags.
func (m *Manager) HandleMessage(from string, msg *transport.Message) bool {
	switch msg.Type {
	case transport.MsgAuthChallenge:
		var ch challengePayload
		if err := msg.Decode(&ch); err != nil {
			return true
		}
		sig := m.keys.Sign(canonicalChallenge(ch.Nonce, ch.Timestamp, m.DID()))
		rsp, err := transport.NewMessage(transport.MsgAuthResponse, m.cfg.NodeID, 0, &responsePayload{
			DID:       m.DID(),
			Nonce:     ch.Nonce,
			Timestamp: ch.Timestamp,
			Signature: hex.EncodeToString(sig),
		})
		if err == nil {
			_ = m.mesh.SendTo(from, rsp)
		}

	case transport.MsgAuthResponse:
		var rsp responsePayload
		if err := msg.Decode(&rsp); err != nil {
			return true
		}
		if reason := m.verifyResponse(from, &rsp); reason != "" {
			log.WithComponent("identity").Warn().Str("peer", from).Str("reason", reason).Msg("auth failed")
			reject, err := transport.NewMessage(transport.MsgAuthReject, m.cfg.NodeID, 0, &rejectPayload{Reason: reason})
			if err == nil {
				_ = m.mesh.SendTo(from, reject)
			}
			return true
		}
		m.pending.Delete(from)
		m.verified.Set(from, rsp.DID, cache.NoExpiration)
		m.broker.Publish(&events.Event{Type: events.EventIdentityVerified, NodeID: from, Metadata: map[string]string{"did": rsp.DID}})

	case transport.MsgAuthReject:
		var rej rejectPayload
		if err := msg.Decode(&rej); err != nil {
			return true
		}
		log.WithComponent("identity").Warn().Str("peer", from).Str("reason", rej.Reason).Msg("peer rejected our auth")

	default:
		return false
	}
	return true
}

// verifyResponse checks nonce pending-ness, freshness, and the
// detached signature against the claimed DID's stored public key.
// Returns "" on success or a rejection reason.
func (m *Manager) verifyResponse(peerID string, rsp *responsePayload) string {
	pending, ok := m.pending.Get(peerID)
	if !ok || pending.(string) != rsp.Nonce {
		return "unknown or expired nonce"
	}
	age := time.Since(time.Unix(rsp.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > challengeFreshness {
		return "stale challenge"
	}
	ident, err := m.store.GetIdentity(rsp.DID)
	if err != nil || ident == nil {
		return "unknown identity"
	}
	pub, err := hex.DecodeString(ident.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "malformed public key"
	}
	sig, err := hex.DecodeString(rsp.Signature)
	if err != nil {
		return "malformed signature"
	}
	if !ed25519.Verify(pub, canonicalChallenge(rsp.Nonce, rsp.Timestamp, rsp.DID), sig) {
		return "signature verification failed"
	}
	return ""
}

// credentialPayload is the canonical signed form of a credential.
// Field order is fixed; map keys marshal sorted, so the bytes are
// deterministic on every node.
type credentialPayload struct {
	ID         string                 `json:"id"`
	IssuerDID  string                 `json:"issuer_did"`
	SubjectDID string                 `json:"subject_did"`
	Type       string                 `json:"type"`
	Claims     map[string]interface{} `json:"claims,omitempty"`
	IssuedAt   time.Time              `json:"issued_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

func canonicalCredential(c *types.Credential) ([]byte, error) {
	return json.Marshal(&credentialPayload{
		ID:         c.ID,
		IssuerDID:  c.IssuerDID,
		SubjectDID: c.SubjectDID,
		Type:       c.Type,
		Claims:     c.Claims,
		IssuedAt:   c.IssuedAt,
		ExpiresAt:  c.ExpiresAt,
	})
}

// Issue signs and floods a credential about a subject
func (m *Manager) Issue(subjectDID, credType string, claims map[string]interface{}, ttl time.Duration) (*types.Credential, error) {
	now := time.Now().UTC()
	cred := &types.Credential{
		ID:         uuid.New().String(),
		IssuerDID:  m.DID(),
		SubjectDID: subjectDID,
		Type:       credType,
		Claims:     claims,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		LamportTS:  m.clock.Tick(),
	}
	payload, err := canonicalCredential(cred)
	if err != nil {
		return nil, err
	}
	cred.Signature = hex.EncodeToString(m.keys.Sign(payload))

	if err := m.store.PutCredential(cred); err != nil {
		return nil, err
	}
	m.gossip.Announce(transport.MsgCredentialIssue, cred.LamportTS, cred)
	m.broker.Publish(&events.Event{Type: events.EventCredentialIssued, Metadata: map[string]string{
		"subject": subjectDID, "type": credType,
	}})
	return cred, nil
}

// SelfIssueEmperorTrust creates the root-of-trust credential a fresh
// emperor asserts about itself.
func (m *Manager) SelfIssueEmperorTrust(ttl time.Duration) (*types.Credential, error) {
	return m.Issue(m.DID(), types.CredEmperorTrust, nil, ttl)
}

// VerifyCredential checks a credential's signature against its
// issuer's stored public key. Satisfies the gossip verifier interface.
func (m *Manager) VerifyCredential(c *types.Credential) error {
	issuer, err := m.store.GetIdentity(c.IssuerDID)
	if err != nil {
		return err
	}
	if issuer == nil {
		return fmt.Errorf("unknown issuer %s", c.IssuerDID)
	}
	pub, err := hex.DecodeString(issuer.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed issuer public key")
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature")
	}
	payload, err := canonicalCredential(c)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("credential signature invalid")
	}
	return nil
}

// HasCredential reports whether a subject holds a valid, unexpired
// credential of the given type. Expiry exactly at now counts as
// expired.
func (m *Manager) HasCredential(subjectDID, credType string) bool {
	creds, err := m.store.ListCredentialsBySubject(subjectDID, credType)
	if err != nil {
		return false
	}
	now := time.Now()
	for _, c := range creds {
		if !now.Before(c.ExpiresAt) {
			continue
		}
		if m.VerifyCredential(c) == nil {
			return true
		}
	}
	return false
}
