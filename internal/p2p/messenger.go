// Proposal messenger: length-prefixed JSON over a direct libp2p stream. Each
// proposal carries the full parameter set for one leg; the receiver resolves
// it locally and answers with accept or reject. Parameters travel in their
// stable wire form so both sides materialize byte-identical contracts.
package p2p

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/atomicmesh/atomicmesh/internal/contract"
	"github.com/atomicmesh/atomicmesh/pkg/logging"
)

// ProposalProtocol is the protocol ID for swap proposals.
const ProposalProtocol protocol.ID = "/atomicmesh/proposal/1.0.0"

const maxMessageSize = 1024 * 1024

// Message types.
const (
	MsgProposal = "proposal"
	MsgResponse = "response"
)

// ErrProposalRejected is returned when the counterparty declines a proposal.
var ErrProposalRejected = errors.New("proposal rejected by peer")

// Envelope frames every message on the proposal protocol.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	FromPeer  string          `json:"from_peer"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Proposal carries the agreed terms for both legs of a swap.
type Proposal struct {
	SwapID string `json:"swap_id"`

	// OfferLeg is the leg the proposer funds; RequestLeg the counterparty's.
	OfferLeg   *contract.Parameters `json:"offer_leg"`
	RequestLeg *contract.Parameters `json:"request_leg"`
}

// Response answers a proposal.
type Response struct {
	SwapID   string `json:"swap_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ProposalHandler decides whether an incoming proposal is acceptable.
type ProposalHandler func(ctx context.Context, from peer.ID, proposal *Proposal) error

// Messenger exchanges proposals over direct streams.
type Messenger struct {
	node *Node
	log  *logging.Logger

	mu      sync.RWMutex
	handler ProposalHandler
}

// NewMessenger creates a messenger and registers its stream handler on the
// node's host.
func NewMessenger(node *Node, log *logging.Logger) *Messenger {
	if log == nil {
		log = logging.Default()
	}
	m := &Messenger{
		node: node,
		log:  log.Component("messenger"),
	}
	node.Host().SetStreamHandler(ProposalProtocol, m.handleStream)
	return m
}

// OnProposal sets the handler invoked for each incoming proposal. A nil error
// accepts, any error rejects with the error text as reason.
func (m *Messenger) OnProposal(handler ProposalHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Propose dials a peer by its full multiaddr and sends the proposal. This is
// the convenience path behind the swap_propose RPC method.
func (m *Messenger) Propose(ctx context.Context, addr string, proposal *Proposal) error {
	peerID, err := m.node.Connect(ctx, addr)
	if err != nil {
		return err
	}
	return m.SendProposal(ctx, peerID, proposal)
}

// SendProposal sends a proposal to a peer and waits for its response.
func (m *Messenger) SendProposal(ctx context.Context, to peer.ID, proposal *Proposal) error {
	if proposal.SwapID == "" {
		proposal.SwapID = uuid.NewString()
	}
	payload, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("failed to encode proposal: %w", err)
	}

	stream, err := m.node.Host().NewStream(ctx, to, ProposalProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	env := Envelope{
		Type:      MsgProposal,
		MessageID: uuid.NewString(),
		FromPeer:  m.node.ID().String(),
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	stream.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := writeLengthPrefixed(stream, envBytes); err != nil {
		return fmt.Errorf("failed to send proposal: %w", err)
	}

	stream.SetReadDeadline(time.Now().Add(60 * time.Second))
	respBytes, err := readLengthPrefixed(bufio.NewReader(stream))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var respEnv Envelope
	if err := json.Unmarshal(respBytes, &respEnv); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if respEnv.Type != MsgResponse {
		return fmt.Errorf("unexpected response type %q", respEnv.Type)
	}
	var resp Response
	if err := json.Unmarshal(respEnv.Payload, &resp); err != nil {
		return fmt.Errorf("failed to parse response payload: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("%w: %s", ErrProposalRejected, resp.Reason)
	}

	m.log.Info("proposal accepted", "swap_id", proposal.SwapID, "peer", to)
	return nil
}

// handleStream processes one incoming proposal stream.
func (m *Messenger) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	s.SetReadDeadline(time.Now().Add(60 * time.Second))
	msgBytes, err := readLengthPrefixed(bufio.NewReader(s))
	if err != nil {
		m.log.Warn("failed to read proposal", "peer", remote, "error", err)
		return
	}

	var env Envelope
	if err := json.Unmarshal(msgBytes, &env); err != nil {
		m.log.Warn("failed to parse envelope", "peer", remote, "error", err)
		return
	}
	if env.Type != MsgProposal {
		m.log.Warn("unexpected message type", "peer", remote, "type", env.Type)
		return
	}

	var proposal Proposal
	if err := json.Unmarshal(env.Payload, &proposal); err != nil {
		m.log.Warn("failed to parse proposal", "peer", remote, "error", err)
		return
	}

	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()

	resp := Response{SwapID: proposal.SwapID, Accepted: true}
	if handler == nil {
		resp.Accepted = false
		resp.Reason = "no proposal handler registered"
	} else if err := handler(context.Background(), remote, &proposal); err != nil {
		resp.Accepted = false
		resp.Reason = err.Error()
	}

	m.log.Info("proposal handled",
		"swap_id", proposal.SwapID, "peer", remote, "accepted", resp.Accepted)

	payload, err := json.Marshal(resp)
	if err != nil {
		m.log.Warn("failed to encode response", "error", err)
		return
	}
	respEnv := Envelope{
		Type:      MsgResponse,
		MessageID: uuid.NewString(),
		FromPeer:  m.node.ID().String(),
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	respBytes, err := json.Marshal(respEnv)
	if err != nil {
		m.log.Warn("failed to encode response envelope", "error", err)
		return
	}

	s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeLengthPrefixed(s, respBytes); err != nil {
		m.log.Warn("failed to send response", "peer", remote, "error", err)
	}
}

// readLengthPrefixed reads a 4-byte big-endian length then the body.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

// writeLengthPrefixed writes a 4-byte big-endian length then the body.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
