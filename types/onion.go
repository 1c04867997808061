package types

import (
	"errors"

	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
)

func init() {
	cbor.RegisterCborType(OnionLayer{})
	cbor.RegisterCborType(OnionRoute{})
	cbor.RegisterCborType(onionCell{})
}

var ErrEmptyOnion = errors.New("onion route is empty")

// OnionLayer names the peer a reply has to be forwarded to.
type OnionLayer struct {
	PeerName string
}

// OnionRoute is an immutable stack of layers, each sealed to the key of the
// hop that peels it. The zero value is the empty route, which marks the
// origin of a broadcast.
type OnionRoute struct {
	Onion []byte
}

type onionCell struct {
	Layer OnionLayer
	Inner []byte
}

func (o OnionRoute) IsEmpty() bool {
	return len(o.Onion) == 0
}

// Grow returns a new route with layer on top, sealed to pub. The receiver is
// left untouched.
func (o OnionRoute) Grow(layer OnionLayer, pub *sigs.PublicKey) (OnionRoute, error) {
	b, err := cbor.DumpObject(onionCell{Layer: layer, Inner: o.Onion})
	if err != nil {
		return OnionRoute{}, xerrors.Errorf("serializing onion cell: %w", err)
	}
	sealed, err := sigs.Seal(pub, b)
	if err != nil {
		return OnionRoute{}, xerrors.Errorf("sealing onion cell: %w", err)
	}
	return OnionRoute{Onion: sealed}, nil
}

// Peel opens the top layer with priv and returns it along with the rest of
// the route.
func (o OnionRoute) Peel(priv *sigs.PrivateKey) (OnionLayer, OnionRoute, error) {
	if o.IsEmpty() {
		return OnionLayer{}, OnionRoute{}, ErrEmptyOnion
	}
	b, err := sigs.Open(priv, o.Onion)
	if err != nil {
		return OnionLayer{}, OnionRoute{}, xerrors.Errorf("opening onion cell: %w", err)
	}
	var cell onionCell
	if err := cbor.DecodeInto(b, &cell); err != nil {
		return OnionLayer{}, OnionRoute{}, xerrors.Errorf("decoding onion cell: %w", err)
	}
	return cell.Layer, OnionRoute{Onion: cell.Inner}, nil
}
