package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"parley/server/internal/protocol"
)

// Signaler sends events to the server. *Client satisfies it.
type Signaler interface {
	Send(msg protocol.Message) error
}

// MeshOptions configures a Mesh.
type MeshOptions struct {
	// API builds peer connections. Nil selects webrtc.NewAPI().
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Configure runs on every new peer connection before any description is
	// set. initiator is true when this side will send the offer. When nil,
	// offering connections get one receive-only audio transceiver.
	Configure func(peerID string, pc *webrtc.PeerConnection, initiator bool) error
	// OnState observes connection state changes per remote connection id.
	OnState func(peerID string, state webrtc.PeerConnectionState)
}

// remote is everything the mesh tracks for one remote connection.
type remote struct {
	info    protocol.Peer
	pc      *webrtc.PeerConnection
	pending []webrtc.ICECandidateInit
}

func (r *remote) hasRemoteDescription() bool {
	return r.pc != nil && r.pc.RemoteDescription() != nil
}

// Mesh keeps one peer connection per remote member of the voice room and
// drives offer/answer/candidate exchange through a Signaler.
type Mesh struct {
	sig  Signaler
	api  *webrtc.API
	opts MeshOptions

	mu      sync.Mutex
	remotes map[string]*remote
}

// NewMesh builds an empty mesh that signals through sig.
func NewMesh(sig Signaler, opts MeshOptions) *Mesh {
	api := opts.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	if opts.Configure == nil {
		opts.Configure = defaultConfigure
	}
	return &Mesh{
		sig:     sig,
		api:     api,
		opts:    opts,
		remotes: make(map[string]*remote),
	}
}

func defaultConfigure(_ string, pc *webrtc.PeerConnection, initiator bool) error {
	if !initiator {
		return nil
	}
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// Run feeds events from c into the mesh until ctx ends or the client closes.
// Per-event failures are logged and do not stop the loop.
func (m *Mesh) Run(ctx context.Context, c *Client) error {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if err := m.Handle(msg); err != nil {
			slog.Warn("mesh event failed", "type", msg.Type, "from", msg.From, "err", err)
		}
	}
}

// Handle applies one inbound event. Events the mesh does not care about are
// ignored.
func (m *Mesh) Handle(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeExistingUsers:
		return m.handleExisting(msg.Peers)
	case protocol.TypeUserJoinedVoice:
		if msg.Peer != nil {
			m.mu.Lock()
			m.remoteLocked(msg.Peer.ID).info = *msg.Peer
			m.mu.Unlock()
		}
		return nil
	case protocol.TypeOffer:
		return m.handleOffer(msg.From, msg.SDP)
	case protocol.TypeAnswer:
		return m.handleAnswer(msg.From, msg.SDP)
	case protocol.TypeCandidate:
		return m.handleCandidate(msg.From, msg.Candidate)
	case protocol.TypeUserLeft:
		m.Forget(msg.ConnectionID)
		return nil
	}
	return nil
}

func (m *Mesh) handleExisting(peers []protocol.Peer) error {
	var errs []error
	for _, p := range peers {
		m.mu.Lock()
		r := m.remoteLocked(p.ID)
		r.info = p
		m.mu.Unlock()
		if !p.Initiator {
			continue
		}
		if err := m.offer(p.ID); err != nil {
			errs = append(errs, fmt.Errorf("offer to %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mesh) offer(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, err := m.connLocked(peerID, true)
	if err != nil {
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return m.sendDescription(protocol.TypeOffer, peerID, offer)
}

func (m *Mesh) handleOffer(from string, raw json.RawMessage) error {
	desc, err := decodeDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pc, err := m.connLocked(from, false)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushLocked(from)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return m.sendDescription(protocol.TypeAnswer, from, answer)
}

func (m *Mesh) handleAnswer(from string, raw json.RawMessage) error {
	desc, err := decodeDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[from]
	if !ok || r.pc == nil {
		return fmt.Errorf("answer from %s without an offer", from)
	}
	if err := r.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.flushLocked(from)
	return nil
}

// handleCandidate adds the candidate now when the remote description is
// known and queues it otherwise. Candidates from peers the room never
// announced, or that already left, are dropped.
func (m *Mesh) handleCandidate(from string, raw json.RawMessage) error {
	if from == "" || len(raw) == 0 {
		return errors.New("candidate without sender or payload")
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[from]
	if !ok {
		slog.Debug("candidate from unknown peer dropped", "peer", from)
		return nil
	}
	if !r.hasRemoteDescription() {
		r.pending = append(r.pending, init)
		return nil
	}
	if err := r.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (m *Mesh) flushLocked(peerID string) {
	r := m.remotes[peerID]
	queued := r.pending
	r.pending = nil
	for _, c := range queued {
		if err := r.pc.AddICECandidate(c); err != nil {
			slog.Warn("queued candidate rejected", "peer", peerID, "err", err)
		}
	}
}

func (m *Mesh) remoteLocked(peerID string) *remote {
	r, ok := m.remotes[peerID]
	if !ok {
		r = &remote{info: protocol.Peer{ID: peerID}}
		m.remotes[peerID] = r
	}
	return r
}

// connLocked returns the peer connection for peerID, creating it if needed.
func (m *Mesh) connLocked(peerID string, initiator bool) (*webrtc.PeerConnection, error) {
	if peerID == "" {
		return nil, errors.New("peer id is required")
	}
	r := m.remoteLocked(peerID)
	if r.pc != nil {
		return r.pc, nil
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if err := m.opts.Configure(peerID, pc, initiator); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("configure peer connection: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := m.sig.Send(protocol.Message{Type: protocol.TypeCandidate, To: peerID, Candidate: payload}); err != nil {
			slog.Debug("send candidate failed", "peer", peerID, "err", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("peer connection state", "peer", peerID, "state", state.String())
		if m.opts.OnState != nil {
			m.opts.OnState(peerID, state)
		}
	})
	r.pc = pc
	return pc, nil
}

func (m *Mesh) sendDescription(kind, to string, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return m.sig.Send(protocol.Message{Type: kind, To: to, SDP: payload})
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("expected %s description, got %s", want, desc.Type)
	}
	return desc, nil
}

// Forget closes and drops the connection to peerID along with any queued
// candidates.
func (m *Mesh) Forget(peerID string) {
	m.mu.Lock()
	r, ok := m.remotes[peerID]
	delete(m.remotes, peerID)
	m.mu.Unlock()
	if ok && r.pc != nil {
		if err := r.pc.Close(); err != nil {
			slog.Debug("close peer connection", "peer", peerID, "err", err)
		}
	}
}

// Peers returns the known remote connection ids in sorted order.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.remotes))
	for id := range m.remotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Info returns what the room announced about peerID.
func (m *Mesh) Info(peerID string) (protocol.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[peerID]
	if !ok {
		return protocol.Peer{}, false
	}
	return r.info, true
}

// PeerConnection returns the connection to peerID, or nil.
func (m *Mesh) PeerConnection(peerID string) *webrtc.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.remotes[peerID]; ok {
		return r.pc
	}
	return nil
}

// Pending reports how many candidates from peerID are waiting for its
// description.
func (m *Mesh) Pending(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.remotes[peerID]; ok {
		return len(r.pending)
	}
	return 0
}

// Close tears down every peer connection.
func (m *Mesh) Close() error {
	m.mu.Lock()
	remotes := m.remotes
	m.remotes = make(map[string]*remote)
	m.mu.Unlock()

	var errs []error
	for id, r := range remotes {
		if r.pc == nil {
			continue
		}
		if err := r.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
