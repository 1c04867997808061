package transport

import (
	"errors"

	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
)

func init() {
	cbor.RegisterCborType(Envelope{})
	cbor.RegisterCborType(Chunk{})
}

var (
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrBadChunk         = errors.New("malformed chunk")
)

// Envelope carries one frame between two nodes. It is signed by Sender and
// sealed to the recipient's key before being chunked.
type Envelope struct {
	Sender string
	Type   string
	Data   []byte

	Signature []byte
}

func (e *Envelope) SigningBytes() ([]byte, error) {
	oe := *e
	oe.Signature = nil
	return cbor.DumpObject(oe)
}

func (e *Envelope) Sign(priv *sigs.PrivateKey) error {
	b, err := e.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing envelope: %w", err)
	}
	e.Signature, err = sigs.Sign(priv, b)
	return err
}

func (e *Envelope) Verify() error {
	b, err := e.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing envelope: %w", err)
	}
	return sigs.Verify(e.Sender, e.Signature, b)
}

// Chunk is one published fragment of a sealed envelope.
type Chunk struct {
	MessageId string
	Index     int64
	Count     int64
	Data      []byte
}
