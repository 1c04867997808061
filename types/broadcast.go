package types

import (
	"time"

	cbor "github.com/ipfs/go-ipld-cbor"
)

func init() {
	cbor.RegisterCborType(BroadcastPayload{})
	cbor.RegisterCborType(AskForBroadcastFrame{})
	cbor.RegisterCborType(POWBroadcastConditionsFrame{})
	cbor.RegisterCborType(POWBroadcastFrame{})
}

// BroadcastPayload is what a node offers to relay to a peer: the signed
// request plus the backward route accumulated so far.
type BroadcastPayload struct {
	SignedRequestPayload *RequestPayload
	BackwardOnion        OnionRoute

	// Timestamp is unix nanoseconds, zero until stamped.
	Timestamp int64
}

// SetTimestamp stamps the payload once. Later calls leave the first stamp in
// place and report false.
func (bp *BroadcastPayload) SetTimestamp(t time.Time) bool {
	if bp.Timestamp != 0 {
		return false
	}
	bp.Timestamp = t.UnixNano()
	return true
}

func (bp *BroadcastPayload) Time() time.Time {
	return time.Unix(0, bp.Timestamp)
}

type AskForBroadcastFrame struct {
	AskId                string
	SignedRequestPayload *RequestPayload
}

type POWBroadcastConditionsFrame struct {
	AskId       string
	ValidTill   int64
	WorkRequest WorkRequest

	// TimestampTolerance is in nanoseconds.
	TimestampTolerance int64
}

func (f *POWBroadcastConditionsFrame) ValidTillTime() time.Time {
	return time.Unix(0, f.ValidTill)
}

func (f *POWBroadcastConditionsFrame) Tolerance() time.Duration {
	return time.Duration(f.TimestampTolerance)
}

type POWBroadcastFrame struct {
	AskId            string
	BroadcastPayload *BroadcastPayload
	ProofOfWork      ProofOfWork
}
