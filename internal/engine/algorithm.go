package engine

import (
	"context"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
)

// Plan is one prepared mixing route. Prepare fills the shared head and
// the fields its route needs; Execute consumes them.
type Plan struct {
	Request domain.MixRequest

	// Payout is the amount distributed to the request outputs after
	// the service fee and the route's own fees.
	Payout domain.Amount

	// DepositWalletID names the custody wallet holding the confirmed
	// deposit, debited when the route consumes it.
	DepositWalletID string

	// CoinJoin route.
	SessionID       string
	ParticipantID   string
	Denomination    domain.Amount
	RoundFee        domain.Amount
	DepositKey      *crypto.KeyPair
	IntermediateKey *crypto.KeyPair

	// Ring route.
	NetworkFee domain.Amount
}

// Algorithm is one mixing route. Prepare claims whatever the route
// needs and computes the payout; Execute runs the mix through to the
// point where payouts can be scheduled; Abort is called when the
// driver gives up between the two so the route can release what it
// still holds.
type Algorithm interface {
	Name() domain.MixAlgorithm
	Prepare(ctx context.Context, req *domain.MixRequest) (*Plan, error)
	Execute(ctx context.Context, plan *Plan) ([]domain.OutputTransaction, error)
	Abort(ctx context.Context, plan *Plan, reason error)
}
