package ring

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// Input is one output the transaction spends: the reference the
// message commits to, the one-time key that controls it, and, when the
// output already carries a commitment, its blinding factor. A nil
// Blind in confidential mode means the commitment is fabricated fresh.
type Input struct {
	Ref    domain.TxInputRef
	Key    *crypto.KeyPair
	Blind  *secp256k1.ModNScalar
	Height int64
}

// Output is one destination. Stealth is set when the address is a
// one-time key; Proof is attached by CreateRingTransaction in
// confidential mode.
type Output struct {
	domain.TxOutput
	Stealth *crypto.StealthAddress
	Proof   *RangeProof
}

// SignedInput is a spent input after signing: the full ring, the
// pseudo-output commitment in confidential mode, and the linkable
// signature. The real slot is not recorded anywhere.
type SignedInput struct {
	Ref       domain.TxInputRef
	Ring      []Member
	PseudoOut *secp256k1.PublicKey
	KeyImage  string
	Sig       *Signature
}

// RingTransaction is the assembled single-signer mixing transaction.
type RingTransaction struct {
	ID           string
	Inputs       []SignedInput
	Outputs      []Output
	Fee          domain.Amount
	Message      []byte
	Confidential bool
	CreatedAt    time.Time
}

// KeyImages lists the canonical hex images the transaction consumes.
func (tx *RingTransaction) KeyImages() []string {
	out := make([]string, len(tx.Inputs))
	for i, in := range tx.Inputs {
		out[i] = in.KeyImage
	}
	return out
}

// CreateRingTransaction builds and signs the full transaction: one
// ring per input with decoys drawn by the configured distribution and
// the real key at a uniformly chosen slot, range proofs on every
// output when confidential mode is on, and the shared message digest
// over all inputs and outputs. Signing consumes the key images, so a
// transaction that signs successfully cannot be signed again.
func (m *Mixer) CreateRingTransaction(ctx context.Context, inputs []Input, outputs []Output, fee domain.Amount) (*RingTransaction, error) {
	if len(inputs) == 0 {
		return nil, errors.InputValidation("transaction has no inputs")
	}
	if len(outputs) == 0 {
		return nil, errors.InputValidation("transaction has no outputs")
	}
	if fee < 0 {
		return nil, errors.InputValidationf("fee %s is negative", fee)
	}

	var sumIn, sumOut domain.Amount
	refs := make([]domain.TxInputRef, len(inputs))
	for i, in := range inputs {
		if in.Key == nil || in.Key.Priv == nil {
			return nil, errors.InputValidationf("input %d has no key", i)
		}
		if in.Ref.Amount <= 0 {
			return nil, errors.InputValidationf("input %d amount %s is not positive", i, in.Ref.Amount)
		}
		refs[i] = in.Ref
		sumIn += in.Ref.Amount
	}
	outs := make([]domain.TxOutput, len(outputs))
	for i, out := range outputs {
		if out.Amount <= 0 {
			return nil, errors.InputValidationf("output %d amount %s is not positive", i, out.Amount)
		}
		outs[i] = out.TxOutput
		sumOut += out.Amount
	}
	if delta := sumIn - sumOut - fee; !delta.WithinTolerance() {
		return nil, errors.InputValidationf("transaction imbalance %s", delta).
			WithDetails("inputs", sumIn.String()).
			WithDetails("outputs", sumOut.String()).
			WithDetails("fee", fee.String())
	}

	// Refuse early rather than burn images on a partially signable set.
	if m.images != nil {
		for i, in := range inputs {
			image, err := crypto.ComputeKeyImage(in.Key.Priv)
			if err != nil {
				return nil, errors.Fatal("compute key image", err)
			}
			spent, err := m.images.Contains(ctx, crypto.KeyImageHex(image))
			if err != nil {
				return nil, err
			}
			if spent {
				return nil, errors.DoubleSpend("input already spent").
					WithDetails("input", i).
					WithDetails("key_image", crypto.KeyImageHex(image))
			}
		}
	}

	message := domain.TransactionDigest(refs, outs)
	confidential := m.cfg.ConfidentialOutputs

	signed := make([]Output, len(outputs))
	copy(signed, outputs)

	// In confidential mode every output gets a commitment and proof;
	// the pseudo blinds are chosen so that Σ pseudo = Σ output blinds.
	var pseudoBlinds []*secp256k1.ModNScalar
	if confidential {
		var sumOutBlind secp256k1.ModNScalar
		for i := range signed {
			blind, err := crypto.RandomScalar()
			if err != nil {
				return nil, errors.Fatal("draw output blind", err)
			}
			proof, err := BuildRangeProof(signed[i].Amount, blind)
			if err != nil {
				return nil, err
			}
			signed[i].Proof = proof
			sumOutBlind.Add(blind)
		}
		pseudoBlinds = make([]*secp256k1.ModNScalar, len(inputs))
		var sumPseudo secp256k1.ModNScalar
		for i := 0; i < len(inputs)-1; i++ {
			z, err := crypto.RandomScalar()
			if err != nil {
				return nil, errors.Fatal("draw pseudo blind", err)
			}
			pseudoBlinds[i] = z
			sumPseudo.Add(z)
		}
		pseudoBlinds[len(inputs)-1] = crypto.ScalarSub(&sumOutBlind, &sumPseudo)
	}

	tx := &RingTransaction{
		ID:           uuid.NewString(),
		Inputs:       make([]SignedInput, 0, len(inputs)),
		Outputs:      signed,
		Fee:          fee,
		Message:      message,
		Confidential: confidential,
		CreatedAt:    time.Now().UTC(),
	}

	for i, in := range inputs {
		decoys, err := m.decoys.Select(ctx, m.cfg.RingSize-1, in.Key.Pub)
		if err != nil {
			return nil, err
		}
		realIdx, err := randomIndex(m.cfg.RingSize)
		if err != nil {
			return nil, err
		}

		var com *Commitment
		real := Member{PubKey: in.Key.Pub, Height: in.Height}
		if confidential {
			blindReal := in.Blind
			if blindReal == nil {
				if blindReal, err = crypto.RandomScalar(); err != nil {
					return nil, errors.Fatal("draw input blind", err)
				}
			}
			value, err := scalarFromUint64(uint64(in.Ref.Amount))
			if err != nil {
				return nil, err
			}
			real.Commitment = crypto.PedersenCommit(blindReal, value)
			com = &Commitment{
				Pseudo:     crypto.PedersenCommit(pseudoBlinds[i], value),
				BlindDelta: crypto.ScalarSub(blindReal, pseudoBlinds[i]),
			}
		}

		members := make([]Member, 0, m.cfg.RingSize)
		members = append(members, decoys[:realIdx]...)
		members = append(members, real)
		members = append(members, decoys[realIdx:]...)

		sig, err := m.CreateSignature(ctx, message, in.Key, members, com)
		if err != nil {
			return nil, err
		}

		si := SignedInput{
			Ref:      in.Ref,
			Ring:     members,
			KeyImage: crypto.KeyImageHex(sig.KeyImage),
			Sig:      sig,
		}
		if com != nil {
			si.PseudoOut = com.Pseudo
		}
		tx.Inputs = append(tx.Inputs, si)
	}

	m.log.Info("ring transaction assembled",
		"tx", tx.ID,
		"inputs", len(tx.Inputs),
		"outputs", len(tx.Outputs),
		"ring_size", m.cfg.RingSize,
		"confidential", confidential)
	return tx, nil
}

// VerifyRingTransaction checks the whole transaction: the message
// digest, balance (transparent) or range proofs (confidential), every
// ring signature, and every key image against the spent set. The
// first failure is returned.
func (m *Mixer) VerifyRingTransaction(ctx context.Context, tx *RingTransaction) error {
	if tx == nil || len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
		return errors.InputValidation("transaction is empty")
	}
	if tx.Fee < 0 {
		return errors.InputValidationf("fee %s is negative", tx.Fee)
	}

	refs := make([]domain.TxInputRef, len(tx.Inputs))
	for i, in := range tx.Inputs {
		refs[i] = in.Ref
	}
	outs := make([]domain.TxOutput, len(tx.Outputs))
	for i, out := range tx.Outputs {
		outs[i] = out.TxOutput
	}
	if !bytes.Equal(tx.Message, domain.TransactionDigest(refs, outs)) {
		return errors.ProtocolViolation("transaction message digest mismatch")
	}

	if tx.Confidential {
		for i, out := range tx.Outputs {
			if err := out.Proof.Verify(); err != nil {
				if e, ok := errors.AsError(err); ok {
					return e.WithDetails("output", i)
				}
				return err
			}
		}
	} else {
		var sumIn, sumOut domain.Amount
		for _, in := range tx.Inputs {
			sumIn += in.Ref.Amount
		}
		for _, out := range tx.Outputs {
			sumOut += out.Amount
		}
		if delta := sumIn - sumOut - tx.Fee; !delta.WithinTolerance() {
			return errors.InputValidationf("transaction imbalance %s", delta)
		}
	}

	seen := make(map[string]struct{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if in.Sig == nil || in.Sig.KeyImage == nil {
			return errors.ProtocolViolation("input has no signature").WithDetails("input", i)
		}
		if crypto.KeyImageHex(in.Sig.KeyImage) != in.KeyImage {
			return errors.ProtocolViolation("key image does not match signature").WithDetails("input", i)
		}
		if _, dup := seen[in.KeyImage]; dup {
			return errors.DoubleSpend("duplicate key image in transaction").
				WithDetails("key_image", in.KeyImage)
		}
		seen[in.KeyImage] = struct{}{}

		var com *Commitment
		if tx.Confidential {
			if in.PseudoOut == nil {
				return errors.ProtocolViolation("confidential input has no pseudo-output").WithDetails("input", i)
			}
			com = &Commitment{Pseudo: in.PseudoOut}
		}
		if !m.VerifySignature(tx.Message, in.Sig, in.Ring, com) {
			return errors.ProtocolViolation("ring signature invalid").WithDetails("input", i)
		}
	}

	if m.images != nil {
		for _, in := range tx.Inputs {
			spent, err := m.images.Contains(ctx, in.KeyImage)
			if err != nil {
				return err
			}
			if spent {
				return errors.DoubleSpend("key image already spent").
					WithDetails("key_image", in.KeyImage)
			}
		}
	}
	return nil
}
