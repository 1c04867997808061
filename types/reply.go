package types

import (
	"bytes"
	"errors"

	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
)

func init() {
	cbor.RegisterCborType(SettlementPromise{})
	cbor.RegisterCborType(ReplyPayload{})
	cbor.RegisterCborType(ReplyFrame{})
	cbor.RegisterCborType(SettlementTrust{})
}

var ErrReplyHashMismatch = errors.New("encrypted reply does not match the settlement promise")

// SettlementPromise is the authority's signed commitment to a reply: it binds
// the network invoice hash and the hash of the encrypted reply payload.
type SettlementPromise struct {
	ServiceUri                  string
	NetworkPaymentHash          []byte
	HashOfEncryptedReplyPayload []byte
	ReplyPaymentAmount          int64

	Signature []byte
}

func (sp *SettlementPromise) SigningBytes() ([]byte, error) {
	osp := *sp
	osp.Signature = nil
	return cbor.DumpObject(osp)
}

func (sp *SettlementPromise) Sign(authority *sigs.PrivateKey) error {
	b, err := sp.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing promise: %w", err)
	}
	sp.Signature, err = sigs.Sign(authority, b)
	return err
}

func (sp *SettlementPromise) Verify(authorityPubKey string) error {
	b, err := sp.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing promise: %w", err)
	}
	return sigs.Verify(authorityPubKey, sp.Signature, b)
}

// VerifyAll checks the signature and the binding to encryptedReply.
func (sp *SettlementPromise) VerifyAll(encryptedReply []byte, authorityPubKey string) error {
	if !bytes.Equal(sigs.Hash(encryptedReply), sp.HashOfEncryptedReplyPayload) {
		return ErrReplyHashMismatch
	}
	return sp.Verify(authorityPubKey)
}

// ReplyPayload is encrypted by the authority to the requester.
type ReplyPayload struct {
	ReplierCertificate    *Certificate
	SignedRequestPayload  *RequestPayload
	EncryptedReplyMessage []byte
	ReplyInvoice          string
}

// ReplyFrame travels back along ForwardOnion. NetworkInvoice is replaced by
// every relaying hop.
type ReplyFrame struct {
	EncryptedReplyPayload   []byte
	SignedSettlementPromise *SettlementPromise
	ForwardOnion            OnionRoute
	NetworkInvoice          string
}

func (rf *ReplyFrame) DeepCopy() *ReplyFrame {
	out := &ReplyFrame{
		EncryptedReplyPayload: append([]byte(nil), rf.EncryptedReplyPayload...),
		ForwardOnion:          OnionRoute{Onion: append([]byte(nil), rf.ForwardOnion.Onion...)},
		NetworkInvoice:        rf.NetworkInvoice,
	}
	if rf.SignedSettlementPromise != nil {
		sp := *rf.SignedSettlementPromise
		sp.NetworkPaymentHash = append([]byte(nil), sp.NetworkPaymentHash...)
		sp.HashOfEncryptedReplyPayload = append([]byte(nil), sp.HashOfEncryptedReplyPayload...)
		sp.Signature = append([]byte(nil), sp.Signature...)
		out.SignedSettlementPromise = &sp
	}
	return out
}

// DecryptReplyPayload opens the reply payload addressed to priv.
func (rf *ReplyFrame) DecryptReplyPayload(priv *sigs.PrivateKey) (*ReplyPayload, error) {
	b, err := sigs.Open(priv, rf.EncryptedReplyPayload)
	if err != nil {
		return nil, xerrors.Errorf("opening reply payload: %w", err)
	}
	var rp ReplyPayload
	if err := cbor.DecodeInto(b, &rp); err != nil {
		return nil, xerrors.Errorf("decoding reply payload: %w", err)
	}
	return &rp, nil
}

// SettlementTrust is what the authority hands a responder.
type SettlementTrust struct {
	SettlementPromise     *SettlementPromise
	NetworkInvoice        string
	EncryptedReplyPayload []byte
}
