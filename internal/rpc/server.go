// Package rpc provides a JSON-RPC 2.0 server for the atomicmesh daemon, plus
// a websocket feed that relays swap state transitions to clients.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/chainclient"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
	"github.com/atomicmesh/atomicmesh/internal/p2p"
	"github.com/atomicmesh/atomicmesh/internal/storage"
	"github.com/atomicmesh/atomicmesh/internal/wallet"
	"github.com/atomicmesh/atomicmesh/pkg/logging"
)

// headPollInterval paces the head watcher feeding expiry sweeps and the
// websocket head feed.
const headPollInterval = 30 * time.Second

// Proposer sends a swap proposal to a counterparty node.
type Proposer interface {
	Propose(ctx context.Context, addr string, proposal *p2p.Proposal) error
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	network     chain.Network
	coordinator *coordinator.Coordinator
	wallet      *wallet.Wallet
	clients     *chainclient.Registry
	store       *storage.Storage
	proposer    Proposer
	log         *logging.Logger
	wsHub       *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex

	stopForward context.CancelFunc
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server. wallet may be nil when the daemon
// runs watch-only; store may be nil for ephemeral operation, which disables
// the swap_broadcast rebroadcast path.
func NewServer(network chain.Network, coord *coordinator.Coordinator, w *wallet.Wallet, clients *chainclient.Registry, store *storage.Storage) *Server {
	s := &Server{
		network:     network,
		coordinator: coord,
		wallet:      w,
		clients:     clients,
		store:       store,
		log:         logging.GetDefault().Component("rpc"),
		handlers:    make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

// SetProposer wires the p2p messenger's send path behind swap_propose.
func (s *Server) SetProposer(p Proposer) {
	s.proposer = p
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Chain methods
	s.handlers["chain_list"] = s.chainList
	s.handlers["chain_head"] = s.chainHead
	s.handlers["chain_estimateFee"] = s.chainEstimateFee

	// Secret methods
	s.handlers["secret_generate"] = s.secretGenerate
	s.handlers["secret_verify"] = s.secretVerify

	// Swap methods
	s.handlers["swap_create"] = s.swapCreate
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_propose"] = s.swapPropose
	s.handlers["swap_broadcast"] = s.swapBroadcast

	// Observation reports feeding the coordinator state machine
	s.handlers["swap_reportFund"] = s.swapReportFund
	s.handlers["swap_reportClaim"] = s.swapReportClaim
	s.handlers["swap_reportExpiry"] = s.swapReportExpiry
	s.handlers["swap_reportRefund"] = s.swapReportRefund

	// Transaction methods
	s.handlers["tx_decode"] = s.txDecode
	s.handlers["tx_broadcast"] = s.txBroadcast
	s.handlers["tx_buildFund"] = s.txBuildFund
	s.handlers["tx_buildClaim"] = s.txBuildClaim
	s.handlers["tx_buildRefund"] = s.txBuildRefund

	// Wallet methods
	s.handlers["wallet_generateMnemonic"] = s.walletGenerateMnemonic
	s.handlers["wallet_validateMnemonic"] = s.walletValidateMnemonic
	s.handlers["wallet_getAddress"] = s.walletGetAddress
}

// Start starts the RPC server and the event forwarder.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.stopForward = cancel
	if s.coordinator != nil {
		go s.forwardEvents(ctx)
	}
	if s.clients != nil {
		go s.watchHeads(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.stopForward != nil {
		s.stopForward()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// forwardEvents relays coordinator state transitions to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events := s.coordinator.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.wsHub.Broadcast(EventSwapTransition, event)
		}
	}
}

// watchHeads polls every registered chain client, relays fresh heads to
// websocket subscribers and sweeps swap expiries against them.
func (s *Server) watchHeads(ctx context.Context) {
	ticker := time.NewTicker(headPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollHeads(ctx)
		}
	}
}

// pollHeads runs one sweep over all chain clients.
func (s *Server) pollHeads(ctx context.Context) {
	for _, symbol := range s.clients.List() {
		client, ok := s.clients.Get(symbol)
		if !ok {
			continue
		}
		head, err := client.Head(ctx)
		if err != nil {
			s.log.Debug("head poll failed", "chain", symbol, "error", err)
			continue
		}
		if s.wsHub != nil {
			s.wsHub.Broadcast(EventHeadUpdate, map[string]interface{}{"chain": symbol, "head": head})
		}
		if s.coordinator != nil {
			s.coordinator.CheckExpiries(ctx, symbol, head)
		}
	}
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
