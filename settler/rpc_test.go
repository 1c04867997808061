package settler

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/types"
)

func TestRPCRoundTrip(t *testing.T) {
	h := newHarness(t)

	srv := httptest.NewServer(NewRPCHandler(NewAPI(h.s)))
	defer srv.Close()

	api, closer, err := NewClient(h.ctx, "http://"+srv.Listener.Addr().String()+RPCPath, nil)
	require.NoError(t, err)
	defer closer()

	pk, err := api.AuthorityPublicKey(h.ctx)
	require.NoError(t, err)
	require.Equal(t, h.s.PublicKey(), pk)

	admin := NewClientFor(api, h.s.priv)
	priv, err := sigs.GenerateKey()
	require.NoError(t, err)
	user := NewClientFor(api, priv)
	pub := sigs.Identity(priv)

	userTok, err := user.Token(h.ctx)
	require.NoError(t, err)

	// only admins grant properties
	err = user.GrantProperty(h.ctx, userTok, pub, "driver", []byte("y"), time.Now().Add(time.Hour))
	require.ErrorIs(t, err, ErrInvalidToken)

	adminTok, err := admin.Token(h.ctx)
	require.NoError(t, err)
	require.NoError(t, admin.GrantProperty(h.ctx, adminTok, pub, "driver", []byte("y"), time.Now().Add(time.Hour)))

	cert, err := user.IssueCertificate(h.ctx, userTok, []string{"driver"})
	require.NoError(t, err)
	require.Equal(t, pub, cert.PublicKey)

	dir := NewDirectory()
	dir.Add(testServiceUri, user)
	require.NoError(t, cert.Verify(h.ctx, dir, time.Now()))

	_, err = dir.Get("http://elsewhere")
	require.ErrorIs(t, err, types.ErrUnknownAuthority)

	// typed errors survive the wire
	_, err = user.IssueCertificate(h.ctx, userTok, []string{"pilot"})
	require.ErrorIs(t, err, ErrPropertyNotGranted)

	_, err = user.GetCertificate(h.ctx, userTok, uuid.NewString())
	require.ErrorIs(t, err, ErrUnknownCertificate)

	orphan, err := user.MintRelatedTicketHash(h.ctx, userTok, "ab")
	require.NoError(t, err)
	require.NotEmpty(t, orphan)

	_, err = user.ListCertificates(h.ctx, "garbage")
	require.ErrorIs(t, err, ErrInvalidToken)

	ids, err := user.ListCertificates(h.ctx, userTok)
	require.NoError(t, err)
	require.Equal(t, []string{cert.CertificateId}, ids)

	require.NoError(t, admin.RevokeProperty(h.ctx, adminTok, pub, "driver"))
	require.ErrorIs(t, cert.Verify(h.ctx, dir, time.Now()), types.ErrCertificateRevoked)
}

func TestManageDisputeRequiresParticipant(t *testing.T) {
	h := newHarness(t)
	_, responder, og := h.acceptedGig()
	gigId := og.req.PayloadId
	api := NewAPI(h.s)

	outsider, err := sigs.GenerateKey()
	require.NoError(t, err)
	c := NewClientFor(api, outsider)
	tok, err := c.Token(h.ctx)
	require.NoError(t, err)
	require.ErrorIs(t, c.ManageDispute(h.ctx, tok, gigId, responder.pub, true), ErrInvalidToken)
	require.Equal(t, GigAccepted, h.gig(gigId, responder.pub).Status)

	rc := NewClientFor(api, responder.priv)
	tok, err = rc.Token(h.ctx)
	require.NoError(t, err)
	require.NoError(t, rc.ManageDispute(h.ctx, tok, gigId, responder.pub, true))
	require.Equal(t, GigDisputed, h.gig(gigId, responder.pub).Status)

	// unknown gigs are ignored
	require.NoError(t, rc.ManageDispute(h.ctx, tok, uuid.NewString(), responder.pub, true))
}
