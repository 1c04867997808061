// Package settler implements the settlement authority: it issues
// certificates, mints hash-locked tickets and runs the per-gig escrow state
// machine against a payment node.
package settler

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/raulk/clock"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/journal"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/types"
)

var log = logging.Logger("settler")

type Config struct {
	ServiceUri string

	// PriceAmountForSettlement is the network ticket amount in satoshis.
	PriceAmountForSettlement int64
	InvoicePaymentTimeout    time.Duration
	DisputeGracePeriod       time.Duration
	SweepInterval            time.Duration

	// AdminPublicKeys may grant and revoke properties.
	AdminPublicKeys []string
}

func DefaultConfig(serviceUri string) Config {
	return Config{
		ServiceUri:               serviceUri,
		PriceAmountForSettlement: 1000,
		InvoicePaymentTimeout:    time.Hour,
		DisputeGracePeriod:       build.DisputeGracePeriod,
		SweepInterval:            30 * time.Second,
	}
}

// GigStatusEvt is journaled on every gig status transition.
type GigStatusEvt struct {
	GigId   string
	Replier string
	From    string
	To      string
	Source  string
}

type Settler struct {
	cfg    Config
	priv   *sigs.PrivateKey
	pubKey string
	admins map[string]struct{}

	ledger *Ledger
	pay    paynode.API
	clock  clock.Clock
	sched  *completionScheduler

	journal      journal.Journal
	evtGigStatus journal.EventType

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, priv *sigs.PrivateKey, ledger *Ledger, pay paynode.API, clk clock.Clock, j journal.Journal) *Settler {
	if clk == nil {
		clk = build.Clock
	}
	if j == nil {
		j = journal.NilJournal()
	}
	if cfg.DisputeGracePeriod == 0 {
		cfg.DisputeGracePeriod = build.DisputeGracePeriod
	}
	admins := map[string]struct{}{}
	for _, a := range cfg.AdminPublicKeys {
		admins[a] = struct{}{}
	}
	return &Settler{
		cfg:          cfg,
		priv:         priv,
		pubKey:       sigs.Identity(priv),
		admins:       admins,
		ledger:       ledger,
		pay:          pay,
		clock:        clk,
		sched:        newCompletionScheduler(clk),
		journal:      j,
		evtGigStatus: j.RegisterEventType("settler", "gig_status"),
		runCtx:       context.Background(),
	}
}

func (s *Settler) ServiceUri() string {
	return s.cfg.ServiceUri
}

func (s *Settler) PublicKey() string {
	return s.pubKey
}

// AuthorityPublicKey resolves the key of this authority. Together with
// IsRevoked it makes the Settler a types.AuthorityAccessor for itself.
func (s *Settler) AuthorityPublicKey(ctx context.Context, serviceUri string) (string, error) {
	if serviceUri != s.cfg.ServiceUri {
		return "", xerrors.Errorf("%w: %s", types.ErrUnknownAuthority, serviceUri)
	}
	return s.pubKey, nil
}

func (s *Settler) IsRevoked(ctx context.Context, serviceUri string, certId string) (bool, error) {
	if serviceUri != s.cfg.ServiceUri {
		return false, xerrors.Errorf("%w: %s", types.ErrUnknownAuthority, serviceUri)
	}
	return s.ledger.IsCertificateRevoked(ctx, certId)
}

var _ types.AuthorityAccessor = (*Settler)(nil)

func (s *Settler) GetToken(ctx context.Context, pubKey string) (string, error) {
	if _, err := sigs.ParsePublicKey(pubKey); err != nil {
		return "", xerrors.Errorf("%w: %s", ErrInvalidToken, err)
	}
	return s.ledger.GetOrCreateToken(ctx, pubKey)
}

// ValidateAuthToken returns the public key a signed timed token was issued
// for. Every failure maps to ErrInvalidToken.
func (s *Settler) ValidateAuthToken(ctx context.Context, token string) (string, error) {
	at, err := types.ParseAuthToken(token)
	if err != nil {
		return "", s.authFailure(ctx, "malformed", err)
	}
	if err := at.Verify(s.clock.Now(), build.AuthTokenTolerance); err != nil {
		return "", s.authFailure(ctx, "verify", err)
	}
	ok, err := s.ledger.TokenExists(ctx, at.PublicKey, at.TokenId)
	if err != nil {
		return "", xerrors.Errorf("looking up token: %w", err)
	}
	if !ok {
		return "", s.authFailure(ctx, "unknown", nil)
	}
	return at.PublicKey, nil
}

func (s *Settler) authFailure(ctx context.Context, kind string, err error) error {
	metrics.Count(ctx, metrics.RPCAuthFailure, tag.Upsert(metrics.FailureType, kind))
	log.Debugw("rejected auth token", "reason", kind, "err", err)
	return ErrInvalidToken
}

// IsAdmin reports whether pubKey may manage properties.
func (s *Settler) IsAdmin(pubKey string) bool {
	if pubKey == s.pubKey {
		return true
	}
	_, ok := s.admins[pubKey]
	return ok
}

func (s *Settler) GrantProperty(ctx context.Context, pubKey, name string, value []byte, validTill time.Time) error {
	return s.ledger.UpsertProperty(ctx, pubKey, name, value, validTill)
}

// RevokeProperty revokes a property along with every certificate that
// carries it.
func (s *Settler) RevokeProperty(ctx context.Context, pubKey, name string) error {
	found, err := s.ledger.RevokeProperty(ctx, pubKey, name)
	if err != nil {
		return xerrors.Errorf("revoking property %s: %w", name, err)
	}
	if found {
		log.Infow("revoked property", "pubkey", pubKey, "name", name)
	}
	return nil
}

// IssueCertificate signs a certificate over the named properties. Every one
// of them must be granted, unrevoked and unexpired; the certificate expires
// with the earliest of them.
func (s *Settler) IssueCertificate(ctx context.Context, pubKey string, properties []string) (*types.Certificate, error) {
	now := s.clock.Now()
	names := dedup(properties)
	props, err := s.ledger.activeProperties(ctx, pubKey, names, now)
	if err != nil {
		return nil, xerrors.Errorf("reading properties: %w", err)
	}
	if len(props) != len(names) || len(names) == 0 {
		return nil, ErrPropertyNotGranted
	}

	cert := &types.Certificate{
		CertificateId:      uuid.NewString(),
		ServiceUri:         s.cfg.ServiceUri,
		PublicKey:          pubKey,
		AuthorityPublicKey: s.pubKey,
		Properties:         map[string][]byte{},
		NotValidBefore:     now.UnixNano(),
	}
	minTill := props[0].validTill
	for _, p := range props {
		cert.Properties[p.name] = p.value
		if p.validTill.Before(minTill) {
			minTill = p.validTill
		}
	}
	cert.NotValidAfter = minTill.UnixNano()

	if err := cert.Sign(s.priv); err != nil {
		return nil, xerrors.Errorf("signing certificate: %w", err)
	}
	if err := s.ledger.insertCertificate(ctx, cert, props); err != nil {
		return nil, xerrors.Errorf("storing certificate: %w", err)
	}
	metrics.Count(ctx, metrics.CertificatesIssued)
	return cert, nil
}

func dedup(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (s *Settler) GetCertificate(ctx context.Context, pubKey, certId string) (*types.Certificate, error) {
	return s.ledger.GetCertificate(ctx, pubKey, certId)
}

func (s *Settler) ListCertificates(ctx context.Context, pubKey string) ([]string, error) {
	return s.ledger.ListCertificates(ctx, pubKey)
}

func (s *Settler) IsCertificateRevoked(ctx context.Context, certId string) (bool, error) {
	return s.ledger.IsCertificateRevoked(ctx, certId)
}

// MintReplyTicketHash creates an unrevealed preimage owned by pubKey for the
// gig and returns its payment hash.
func (s *Settler) MintReplyTicketHash(ctx context.Context, pubKey, gigId, replierPubKey string) (string, error) {
	pre, hash, err := sigs.NewPreimage()
	if err != nil {
		return "", err
	}
	p := Preimage{
		PaymentHash:      hex.EncodeToString(hash),
		Preimage:         hex.EncodeToString(pre),
		GigId:            gigId,
		ReplierPublicKey: replierPubKey,
		PublicKey:        pubKey,
	}
	if err := s.ledger.InsertPreimage(ctx, p); err != nil {
		return "", xerrors.Errorf("storing preimage: %w", err)
	}
	return p.PaymentHash, nil
}

// MintRelatedTicketHash mints a sibling of an existing ticket, sharing its
// gig and replier. An unknown source yields a fresh hash with no preimage
// behind it.
func (s *Settler) MintRelatedTicketHash(ctx context.Context, pubKey, paymentHash string) (string, error) {
	src, err := s.ledger.GetPreimage(ctx, paymentHash)
	if xerrors.Is(err, ErrUnknownPreimage) {
		// nothing is stored, so the hash never validates or settles
		_, hash, err := sigs.NewPreimage()
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(hash), nil
	}
	if err != nil {
		return "", err
	}
	return s.MintReplyTicketHash(ctx, pubKey, src.GigId, src.ReplierPublicKey)
}

// ValidateRelatedPaymentHashes reports whether both hashes were minted for
// the same gig.
func (s *Settler) ValidateRelatedPaymentHashes(ctx context.Context, hash1, hash2 string) (bool, error) {
	p1, err := s.ledger.GetPreimage(ctx, hash1)
	if xerrors.Is(err, ErrUnknownPreimage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p2, err := s.ledger.GetPreimage(ctx, hash2)
	if xerrors.Is(err, ErrUnknownPreimage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p1.GigId == p2.GigId, nil
}

// RevealPreimage returns the preimage of a ticket owned by pubKey once its
// gig has completed, and "" before that.
func (s *Settler) RevealPreimage(ctx context.Context, pubKey, paymentHash string) (string, error) {
	return s.ledger.RevealedPreimage(ctx, pubKey, paymentHash)
}

// RevealSymmetricKey hands the reply key to the gig's sender while the gig
// is Accepted, and "" otherwise.
func (s *Settler) RevealSymmetricKey(ctx context.Context, senderPubKey, gigId, replierPubKey string) (string, error) {
	return s.ledger.SymmetricKey(ctx, senderPubKey, gigId, replierPubKey)
}

// GenerateSettlementTrust opens a gig for a reply: it checks the reply
// ticket was minted here for the request, encrypts the reply under a fresh
// key, mints the network ticket and signs a promise binding both.
func (s *Settler) GenerateSettlementTrust(ctx context.Context, replierPubKey string, message []byte, replyInvoice string, req *types.RequestPayload, replierCert *types.Certificate) (*types.SettlementTrust, error) {
	if req == nil || req.SenderCertificate == nil {
		return nil, xerrors.New("request payload without sender certificate")
	}
	now := s.clock.Now()
	if err := req.Verify(ctx, s, now); err != nil {
		return nil, xerrors.Errorf("verifying request: %w", err)
	}
	if replierCert == nil || replierCert.PublicKey != replierPubKey {
		return nil, xerrors.New("replier certificate does not belong to the replier")
	}
	if err := replierCert.Verify(ctx, s, now); err != nil {
		return nil, xerrors.Errorf("verifying replier certificate: %w", err)
	}
	gigId := req.PayloadId

	decoded, err := s.pay.DecodeInvoice(ctx, replyInvoice)
	if err != nil {
		return nil, xerrors.Errorf("decoding reply invoice: %w", err)
	}
	known, err := s.ledger.HasUnrevealedPreimage(ctx, gigId, decoded.PaymentHash)
	if err != nil {
		return nil, xerrors.Errorf("looking up reply preimage: %w", err)
	}
	if !known {
		return nil, ErrUnknownPreimage
	}

	senderPub, err := sigs.ParsePublicKey(req.SenderCertificate.PublicKey)
	if err != nil {
		return nil, xerrors.Errorf("sender key: %w", err)
	}

	key, err := sigs.NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	encryptedMessage, err := sigs.SymmetricEncrypt(key, message)
	if err != nil {
		return nil, xerrors.Errorf("encrypting reply message: %w", err)
	}

	networkHash, err := s.MintReplyTicketHash(ctx, s.pubKey, gigId, replierPubKey)
	if err != nil {
		return nil, xerrors.Errorf("minting network ticket: %w", err)
	}
	networkInvoice, err := s.pay.AddHodlInvoice(ctx, s.cfg.PriceAmountForSettlement, networkHash, "", int64(s.cfg.InvoicePaymentTimeout/time.Second))
	if err != nil {
		return nil, xerrors.Errorf("creating network invoice: %w", err)
	}

	gig := &Gig{
		GigId:              gigId,
		ReplierPublicKey:   replierPubKey,
		SenderPublicKey:    req.SenderCertificate.PublicKey,
		SymmetricKey:       hex.EncodeToString(key),
		PaymentHash:        decoded.PaymentHash,
		NetworkPaymentHash: networkHash,
		Status:             GigOpen,
		SubStatus:          SubNone,
		DisputeDeadline:    time.Unix(0, infiniteDeadline),
	}
	if err := s.ledger.InsertGig(ctx, gig); err != nil {
		return nil, xerrors.Errorf("storing gig: %w", err)
	}

	payload := types.ReplyPayload{
		ReplierCertificate:    replierCert,
		SignedRequestPayload:  req,
		EncryptedReplyMessage: encryptedMessage,
		ReplyInvoice:          replyInvoice,
	}
	pb, err := cbor.DumpObject(payload)
	if err != nil {
		return nil, xerrors.Errorf("encoding reply payload: %w", err)
	}
	encryptedPayload, err := sigs.Seal(senderPub, pb)
	if err != nil {
		return nil, xerrors.Errorf("sealing reply payload: %w", err)
	}

	nh, _ := hex.DecodeString(networkHash)
	promise := &types.SettlementPromise{
		ServiceUri:                  s.cfg.ServiceUri,
		NetworkPaymentHash:          nh,
		HashOfEncryptedReplyPayload: sigs.Hash(encryptedPayload),
		ReplyPaymentAmount:          decoded.NumSatoshis,
	}
	if err := promise.Sign(s.priv); err != nil {
		return nil, xerrors.Errorf("signing settlement promise: %w", err)
	}

	for _, h := range []string{networkHash, decoded.PaymentHash} {
		if err := s.pay.Monitor(ctx, h); err != nil {
			return nil, xerrors.Errorf("monitoring %s: %w", h, err)
		}
	}

	metrics.Count(ctx, metrics.SettlementIssued)
	log.Infow("opened gig", "gig", gigId, "replier", replierPubKey, "network_hash", networkHash)

	return &types.SettlementTrust{
		SettlementPromise:     promise,
		NetworkInvoice:        networkInvoice.PaymentRequest,
		EncryptedReplyPayload: encryptedPayload,
	}, nil
}

// ManageDispute opens a dispute on an Accepted gig, cancelling its pending
// completion, or closes one on a Disputed gig, re-arming completion at the
// original deadline. Calls on gigs in any other state are no-ops.
func (s *Settler) ManageDispute(ctx context.Context, gigId, replierPubKey string, open bool) error {
	from, to := GigAccepted, GigDisputed
	if !open {
		from, to = GigDisputed, GigAccepted
	}
	ok, err := s.ledger.casGigStatus(ctx, gigId, replierPubKey, from, to)
	if err != nil || !ok {
		return err
	}
	s.recordTransition(ctx, gigId, replierPubKey, from, to, "dispute")

	key := gigKey(gigId, replierPubKey)
	if open {
		s.sched.Cancel(key)
		return nil
	}

	g, err := s.ledger.GetGig(ctx, gigId, replierPubKey)
	if err != nil {
		return xerrors.Errorf("reloading gig: %w", err)
	}
	s.scheduleCompletion(g)
	return nil
}

func gigKey(gigId, replier string) string {
	return gigId + "/" + replier
}

func (s *Settler) recordTransition(ctx context.Context, gigId, replier string, from, to GigStatus, source string) {
	metrics.Count(ctx, metrics.GigTransition,
		tag.Upsert(metrics.GigStatus, to.String()),
		tag.Upsert(metrics.Source, source),
	)
	log.Infow("gig status changed", "gig", gigId, "replier", replier, "from", from, "to", to, "source", source)
	journal.MaybeRecordEvent(s.journal, s.evtGigStatus, func() interface{} {
		return GigStatusEvt{GigId: gigId, Replier: replier, From: from.String(), To: to.String(), Source: source}
	})
}
