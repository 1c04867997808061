package transport

import (
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/sigs"
)

// DefaultReassemblyCacheSize bounds the number of partially received
// messages tracked per node.
const DefaultReassemblyCacheSize = 1024

// Codec turns frames into sealed, chunked wire messages and back.
type Codec struct {
	priv     *sigs.PrivateKey
	self     string
	registry *Registry
	maxChunk int
	reasm    *Reassembler
}

func NewCodec(priv *sigs.PrivateKey, registry *Registry, maxChunk int) (*Codec, error) {
	if maxChunk <= 0 {
		maxChunk = build.MaxChunkSize
	}
	reasm, err := NewReassembler(DefaultReassemblyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Codec{
		priv:     priv,
		self:     sigs.Identity(priv),
		registry: registry,
		maxChunk: maxChunk,
		reasm:    reasm,
	}, nil
}

// Identity is the hex public key this codec signs with.
func (c *Codec) Identity() string {
	return c.self
}

// Pack signs frame, seals it to the recipient and splits the result.
func (c *Codec) Pack(to string, frame interface{}) ([][]byte, error) {
	pub, err := sigs.ParsePublicKey(to)
	if err != nil {
		return nil, xerrors.Errorf("recipient key: %w", err)
	}
	name, data, err := c.registry.encode(frame)
	if err != nil {
		return nil, err
	}

	env := Envelope{Sender: c.self, Type: name, Data: data}
	if err := env.Sign(c.priv); err != nil {
		return nil, xerrors.Errorf("signing envelope: %w", err)
	}
	eb, err := cbor.DumpObject(env)
	if err != nil {
		return nil, xerrors.Errorf("encoding envelope: %w", err)
	}
	sealed, err := sigs.Seal(pub, eb)
	if err != nil {
		return nil, xerrors.Errorf("sealing envelope: %w", err)
	}

	chunks := Split(sealed, c.maxChunk)
	out := make([][]byte, 0, len(chunks))
	for _, ch := range chunks {
		b, err := encodeChunk(ch)
		if err != nil {
			return nil, xerrors.Errorf("encoding chunk: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Unpack feeds one wire chunk in. It returns the sender and decoded frame
// once the whole envelope has arrived; ok is false while chunks are missing.
func (c *Codec) Unpack(b []byte) (sender string, frame interface{}, ok bool, err error) {
	ch, err := decodeChunk(b)
	if err != nil {
		return "", nil, false, err
	}
	sealed, complete, err := c.reasm.Add(ch)
	if err != nil || !complete {
		return "", nil, false, err
	}

	eb, err := sigs.Open(c.priv, sealed)
	if err != nil {
		return "", nil, false, xerrors.Errorf("opening envelope: %w", err)
	}
	var env Envelope
	if err := cbor.DecodeInto(eb, &env); err != nil {
		return "", nil, false, xerrors.Errorf("decoding envelope: %w", err)
	}
	if err := env.Verify(); err != nil {
		return "", nil, false, xerrors.Errorf("envelope from %s: %w", env.Sender, err)
	}
	frame, err = c.registry.decode(env.Type, env.Data)
	if err != nil {
		return "", nil, false, err
	}
	return env.Sender, frame, true, nil
}
