package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/chainclient"
	"github.com/atomicmesh/atomicmesh/internal/contract"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
	"github.com/atomicmesh/atomicmesh/pkg/logging"
)

// NewSwapProposalHandler builds the daemon's proposal handler: each proposed
// leg is re-resolved and materialized locally against a fresh chain head, then
// tracked by the coordinator. Any leg that fails to materialize rejects the
// whole proposal, so both sides only ever hold byte-identical contracts.
func NewSwapProposalHandler(
	coord *coordinator.Coordinator,
	clients *chainclient.Registry,
	network chain.Network,
	log *logging.Logger,
) ProposalHandler {
	if log == nil {
		log = logging.Default()
	}
	log = log.Component("proposal")

	return func(ctx context.Context, from peer.ID, proposal *Proposal) error {
		if proposal.OfferLeg == nil || proposal.RequestLeg == nil {
			return fmt.Errorf("proposal is missing a leg")
		}

		legs := []*contract.Parameters{proposal.OfferLeg, proposal.RequestLeg}
		instances := make([]*adapter.Instance, len(legs))
		for i, leg := range legs {
			if leg.Network != network {
				return fmt.Errorf("leg %s is on %s, this node runs %s", leg.Chain, leg.Network, network)
			}
			client, ok := clients.Get(leg.Chain)
			if !ok {
				return fmt.Errorf("chain %s not served here", leg.Chain)
			}
			head, err := client.Head(ctx)
			if err != nil {
				return fmt.Errorf("cannot observe %s head: %w", leg.Chain, err)
			}
			chainAdapter, err := adapter.ForChain(leg.Chain, leg.Network)
			if err != nil {
				return err
			}
			instances[i], err = chainAdapter.Materialize(leg, head)
			if err != nil {
				return fmt.Errorf("leg %s: %w", leg.Chain, err)
			}
		}

		for i, leg := range legs {
			swap, err := coord.Track(ctx, leg, instances[i], nil)
			if err != nil {
				return err
			}
			log.Info("tracking proposed leg",
				"swap_id", proposal.SwapID, "leg", swap.ID, "chain", leg.Chain, "peer", from)
		}
		return nil
	}
}
