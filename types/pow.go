package types

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"

	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/minio/sha256-simd"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
)

func init() {
	cbor.RegisterCborType(WorkRequest{})
	cbor.RegisterCborType(ProofOfWork{})
}

var maxTarget = new(big.Int).Lsh(big.NewInt(1), 256)

// WorkRequest is the proof-of-work a peer asks for before it accepts a
// broadcast. PowTarget is a big-endian 256-bit threshold.
type WorkRequest struct {
	PowScheme string
	PowTarget []byte
}

type ProofOfWork struct {
	PowScheme string
	PowTarget []byte
	Nonce     uint64
}

// PowTargetFromComplexity turns the expected number of hash evaluations into
// a target.
func PowTargetFromComplexity(scheme string, complexity int64) ([]byte, error) {
	if scheme != build.PowSchemeSha256 {
		return nil, xerrors.Errorf("unsupported pow scheme %q", scheme)
	}
	if complexity < 1 {
		complexity = 1
	}
	t := new(big.Int).Div(maxTarget, big.NewInt(complexity))
	t.Sub(t, big.NewInt(1))
	return t.Bytes(), nil
}

func NewWorkRequest(scheme string, complexity int64) (WorkRequest, error) {
	t, err := PowTargetFromComplexity(scheme, complexity)
	if err != nil {
		return WorkRequest{}, err
	}
	return WorkRequest{PowScheme: scheme, PowTarget: t}, nil
}

func (w WorkRequest) Equals(p ProofOfWork) bool {
	return w.PowScheme == p.PowScheme && bytes.Equal(w.PowTarget, p.PowTarget)
}

func powDigest(scheme string, target []byte, payload []byte, nonce uint64) []byte {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)

	h := sha256.New()
	h.Write([]byte(scheme)) //nolint:errcheck
	h.Write(target)         //nolint:errcheck
	h.Write(payload)        //nolint:errcheck
	h.Write(nb[:])          //nolint:errcheck
	return h.Sum(nil)
}

func meetsTarget(digest []byte, target []byte) bool {
	return new(big.Int).SetBytes(digest).Cmp(new(big.Int).SetBytes(target)) <= 0
}

// ComputeProof searches for a nonce over the serialized payload. The
// payload's timestamp must be stamped before calling.
func (w WorkRequest) ComputeProof(ctx context.Context, payload *BroadcastPayload) (ProofOfWork, error) {
	if w.PowScheme != build.PowSchemeSha256 {
		return ProofOfWork{}, xerrors.Errorf("unsupported pow scheme %q", w.PowScheme)
	}
	b, err := cbor.DumpObject(*payload)
	if err != nil {
		return ProofOfWork{}, xerrors.Errorf("serializing broadcast payload: %w", err)
	}
	for nonce := uint64(0); ; nonce++ {
		if nonce&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return ProofOfWork{}, err
			}
		}
		if meetsTarget(powDigest(w.PowScheme, w.PowTarget, b, nonce), w.PowTarget) {
			return ProofOfWork{PowScheme: w.PowScheme, PowTarget: w.PowTarget, Nonce: nonce}, nil
		}
	}
}

// Validate recomputes the proof over payload.
func (p ProofOfWork) Validate(payload *BroadcastPayload) bool {
	if p.PowScheme != build.PowSchemeSha256 {
		return false
	}
	b, err := cbor.DumpObject(*payload)
	if err != nil {
		return false
	}
	return meetsTarget(powDigest(p.PowScheme, p.PowTarget, b, p.Nonce), p.PowTarget)
}
