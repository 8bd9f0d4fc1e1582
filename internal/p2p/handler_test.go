package p2p

import (
	"context"
	"testing"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/chainclient"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
)

type headOnlyClient struct {
	symbol string
	head   uint64
}

func (c *headOnlyClient) Chain() string                        { return c.symbol }
func (c *headOnlyClient) Head(context.Context) (uint64, error) { return c.head, nil }
func (c *headOnlyClient) Close() error                         { return nil }

func (c *headOnlyClient) Broadcast(context.Context, []byte) (string, error) {
	return "", chainclient.ErrUnsupported
}

func (c *headOnlyClient) GetTransaction(context.Context, string) (*chainclient.Transaction, error) {
	return nil, chainclient.ErrNotFound
}

func (c *headOnlyClient) UTXOs(context.Context, string) ([]chainclient.UTXO, error) {
	return nil, nil
}

func (c *headOnlyClient) EstimateFee(context.Context) (*chainclient.FeeEstimate, error) {
	return &chainclient.FeeEstimate{Fast: 4, Normal: 2, Economy: 1}, nil
}

func handlerFixture(t *testing.T) (*coordinator.Coordinator, ProposalHandler) {
	t.Helper()
	coord := coordinator.New(nil, nil)
	registry := chainclient.NewRegistry()
	registry.Register("BTC", &headOnlyClient{symbol: "BTC", head: 2500000})
	handler := NewSwapProposalHandler(coord, registry, chain.Testnet, nil)
	return coord, handler
}

func TestSwapProposalHandlerTracksBothLegs(t *testing.T) {
	coord, handler := handlerFixture(t)

	proposal := &Proposal{
		SwapID:     "swap-1",
		OfferLeg:   testParameters(t),
		RequestLeg: testParameters(t),
	}
	if err := handler(context.Background(), "peer-1", proposal); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	swaps := coord.List()
	if len(swaps) != 2 {
		t.Fatalf("tracked swaps = %d, want both legs", len(swaps))
	}
	for _, swap := range swaps {
		if swap.State != coordinator.StateInitiated {
			t.Errorf("state = %s, want initiated", swap.State)
		}
		if swap.Instance == nil || len(swap.Instance.Program) == 0 {
			t.Error("tracked leg has no materialized instance")
		}
	}
}

func TestSwapProposalHandlerRejectsMissingLeg(t *testing.T) {
	coord, handler := handlerFixture(t)

	err := handler(context.Background(), "peer-1", &Proposal{OfferLeg: testParameters(t)})
	if err == nil {
		t.Error("expected rejection for missing request leg")
	}
	if len(coord.List()) != 0 {
		t.Error("nothing should be tracked on rejection")
	}
}

func TestSwapProposalHandlerRejectsWrongNetwork(t *testing.T) {
	coord := coordinator.New(nil, nil)
	registry := chainclient.NewRegistry()
	registry.Register("BTC", &headOnlyClient{symbol: "BTC", head: 2500000})
	handler := NewSwapProposalHandler(coord, registry, chain.Mainnet, nil)

	proposal := &Proposal{
		OfferLeg:   testParameters(t), // testnet leg
		RequestLeg: testParameters(t),
	}
	if err := handler(context.Background(), "peer-1", proposal); err == nil {
		t.Error("expected rejection for network mismatch")
	}
}

func TestSwapProposalHandlerRejectsUnservedChain(t *testing.T) {
	coord := coordinator.New(nil, nil)
	handler := NewSwapProposalHandler(coord, chainclient.NewRegistry(), chain.Testnet, nil)

	proposal := &Proposal{
		OfferLeg:   testParameters(t),
		RequestLeg: testParameters(t),
	}
	if err := handler(context.Background(), "peer-1", proposal); err == nil {
		t.Error("expected rejection without a chain client")
	}
}
