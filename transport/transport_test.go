package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/lib/sigs"
)

type pingFrame struct {
	Text    string
	Payload []byte
}

func init() {
	cbor.RegisterCborType(pingFrame{})
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register("Ping", pingFrame{})
	return r
}

func newKey(t *testing.T) *sigs.PrivateKey {
	k, err := sigs.GenerateKey()
	require.NoError(t, err)
	return k
}

func TestSplitAndReassembleOutOfOrder(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefg"), 100)
	chunks := Split(data, 64)
	require.Len(t, chunks, (len(data)+63)/64)

	r, err := NewReassembler(4)
	require.NoError(t, err)

	// feed in reverse, with a duplicate
	for i := len(chunks) - 1; i > 0; i-- {
		out, ok, err := r.Add(chunks[i])
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, out)
	}
	_, ok, err := r.Add(chunks[len(chunks)-1])
	require.NoError(t, err)
	require.False(t, ok)

	out, ok, err := r.Add(chunks[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, data, out)
}

func TestReassemblerRejectsBadIndex(t *testing.T) {
	r, err := NewReassembler(4)
	require.NoError(t, err)
	_, _, err = r.Add(Chunk{MessageId: "x", Index: 3, Count: 3})
	require.ErrorIs(t, err, ErrBadChunk)
}

func TestCodecRoundTrip(t *testing.T) {
	reg := testRegistry()
	alice, bob := newKey(t), newKey(t)

	ac, err := NewCodec(alice, reg, 100)
	require.NoError(t, err)
	bc, err := NewCodec(bob, reg, 100)
	require.NoError(t, err)

	frame := &pingFrame{Text: "hello", Payload: bytes.Repeat([]byte{7}, 1000)}
	wire, err := ac.Pack(sigs.Identity(bob), frame)
	require.NoError(t, err)
	require.Greater(t, len(wire), 1)

	var got interface{}
	var from string
	for i, w := range wire {
		f, fr, ok, err := bc.Unpack(w)
		require.NoError(t, err)
		require.Equal(t, i == len(wire)-1, ok)
		if ok {
			from, got = f, fr
		}
	}
	require.Equal(t, sigs.Identity(alice), from)
	require.Equal(t, frame, got)
}

func TestCodecOtherRecipientCannotOpen(t *testing.T) {
	reg := testRegistry()
	alice, bob, eve := newKey(t), newKey(t), newKey(t)

	ac, err := NewCodec(alice, reg, 0)
	require.NoError(t, err)
	ec, err := NewCodec(eve, reg, 0)
	require.NoError(t, err)

	wire, err := ac.Pack(sigs.Identity(bob), &pingFrame{Text: "secret"})
	require.NoError(t, err)
	require.Len(t, wire, 1)

	_, _, _, err = ec.Unpack(wire[0])
	require.Error(t, err)
}

func TestCodecUnknownFrameType(t *testing.T) {
	alice, bob := newKey(t), newKey(t)

	type unregistered struct{ A int }
	ac, err := NewCodec(alice, testRegistry(), 0)
	require.NoError(t, err)
	_, err = ac.Pack(sigs.Identity(bob), &unregistered{A: 1})
	require.Error(t, err)

	// the receiver does not know the tag the sender used
	sender := NewRegistry()
	sender.Register("Pong", pingFrame{})
	sc, err := NewCodec(alice, sender, 0)
	require.NoError(t, err)
	bc, err := NewCodec(bob, testRegistry(), 0)
	require.NoError(t, err)

	wire, err := sc.Pack(sigs.Identity(bob), &pingFrame{Text: "x"})
	require.NoError(t, err)
	_, _, _, err = bc.Unpack(wire[0])
	require.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestEnvelopeTamperDetected(t *testing.T) {
	alice := newKey(t)
	env := Envelope{Sender: sigs.Identity(alice), Type: "Ping", Data: []byte{1, 2, 3}}
	require.NoError(t, env.Sign(alice))
	require.NoError(t, env.Verify())

	env.Data[0] ^= 0xff
	require.Error(t, env.Verify())
}

func TestHubDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := testRegistry()
	hub := NewHub()
	alice, bob := newKey(t), newKey(t)

	at, err := hub.NewTransport(alice, reg, 128)
	require.NoError(t, err)
	bt, err := hub.NewTransport(bob, reg, 128)
	require.NoError(t, err)

	type delivery struct {
		from  string
		frame interface{}
	}
	got := make(chan delivery, 1)
	require.NoError(t, bt.Start(ctx, func(ctx context.Context, from string, frame interface{}) {
		got <- delivery{from, frame}
	}))
	require.NoError(t, at.Start(ctx, func(context.Context, string, interface{}) {}))

	frame := &pingFrame{Text: "ride", Payload: bytes.Repeat([]byte{1}, 700)}
	require.NoError(t, at.Send(ctx, bt.Identity(), frame))

	select {
	case d := <-got:
		require.Equal(t, at.Identity(), d.from)
		require.Equal(t, frame, d.frame)
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not delivered")
	}

	require.NoError(t, bt.Close())
	err = at.Send(ctx, bt.Identity(), frame)
	require.ErrorIs(t, err, ErrUnknownRecipient)
	require.NoError(t, at.Close())
}
