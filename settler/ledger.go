package settler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sqlite"
	"github.com/giggossip/giggossip/types"
)

type GigStatus int

const (
	GigOpen GigStatus = iota
	GigAccepted
	GigDisputed
	GigCancelled
	GigCompleted
)

var gigStatusNames = map[GigStatus]string{
	GigOpen:      "Open",
	GigAccepted:  "Accepted",
	GigDisputed:  "Disputed",
	GigCancelled: "Cancelled",
	GigCompleted: "Completed",
}

func (s GigStatus) String() string {
	if n, ok := gigStatusNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Terminal reports whether no further transition may leave s.
func (s GigStatus) Terminal() bool {
	return s == GigCancelled || s == GigCompleted
}

// GigSubStatus records which of the two tickets of an Open gig was accepted
// first.
type GigSubStatus int

const (
	SubNone GigSubStatus = iota
	SubAcceptedByNetworkTicket
	SubAcceptedByReplyTicket
)

func (s GigSubStatus) String() string {
	switch s {
	case SubNone:
		return "None"
	case SubAcceptedByNetworkTicket:
		return "AcceptedByNetworkTicket"
	case SubAcceptedByReplyTicket:
		return "AcceptedByReplyTicket"
	}
	return "Unknown"
}

// Gig is one job request matched to one responder.
type Gig struct {
	GigId              string
	ReplierPublicKey   string
	SenderPublicKey    string
	SymmetricKey       string
	PaymentHash        string
	NetworkPaymentHash string
	Status             GigStatus
	SubStatus          GigSubStatus
	DisputeDeadline    time.Time
}

// HasDeadline is false until the dispute window has been opened.
func (g *Gig) HasDeadline() bool {
	return g.DisputeDeadline.UnixNano() != infiniteDeadline
}

type Preimage struct {
	PaymentHash      string
	Preimage         string
	GigId            string
	ReplierPublicKey string
	PublicKey        string
	IsRevealed       bool
}

// Ledger persists tokens, properties, certificates, preimages and gigs.
// Gig transitions are single-statement compare-and-set updates, so callers
// never need to hold a lock across payment node calls.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(ctx context.Context, path string) (*Ledger, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	l, err := NewLedger(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func NewLedger(ctx context.Context, db *sql.DB) (*Ledger, error) {
	if err := sqlite.InitDb(ctx, "settler", db, ddls, migrations); err != nil {
		return nil, xerrors.Errorf("initializing settler ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// GetOrCreateToken returns the session token id of pubKey, creating one on
// first use.
func (l *Ledger) GetOrCreateToken(ctx context.Context, pubKey string) (string, error) {
	if _, err := l.db.ExecContext(ctx, stmtInsertToken, pubKey, uuid.NewString()); err != nil {
		return "", xerrors.Errorf("inserting token: %w", err)
	}
	var id string
	if err := l.db.QueryRowContext(ctx, stmtGetToken, pubKey).Scan(&id); err != nil {
		return "", xerrors.Errorf("reading token: %w", err)
	}
	return id, nil
}

func (l *Ledger) TokenExists(ctx context.Context, pubKey, tokenId string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, stmtTokenExists, pubKey, tokenId).Scan(&exists)
	return exists, err
}

func (l *Ledger) UpsertProperty(ctx context.Context, pubKey, name string, value []byte, validTill time.Time) error {
	_, err := l.db.ExecContext(ctx, stmtUpsertProperty, uuid.NewString(), pubKey, name, value, validTill.UnixNano())
	return err
}

// RevokeProperty revokes the property and every certificate issued with it.
// It reports whether an unrevoked property was found.
func (l *Ledger) RevokeProperty(ctx context.Context, pubKey, name string) (bool, error) {
	var found bool
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var propId string
		err := tx.QueryRowContext(ctx, stmtGetUnrevokedProp, pubKey, name).Scan(&propId)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if _, err := tx.ExecContext(ctx, stmtRevokeProperty, propId); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, stmtRevokeCertsWithProp, propId)
		return err
	})
	return found, err
}

type property struct {
	id        string
	name      string
	value     []byte
	validTill time.Time
}

// activeProperties returns the unrevoked, unexpired properties among names.
func (l *Ledger) activeProperties(ctx context.Context, pubKey string, names []string, now time.Time) ([]property, error) {
	var out []property
	for _, n := range names {
		p := property{name: n}
		var till int64
		err := l.db.QueryRowContext(ctx, stmtGetActiveProperty, pubKey, n, now.UnixNano()).Scan(&p.id, &p.value, &till)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		p.validTill = time.Unix(0, till)
		out = append(out, p)
	}
	return out, nil
}

func (l *Ledger) insertCertificate(ctx context.Context, cert *types.Certificate, props []property) error {
	b, err := cbor.DumpObject(*cert)
	if err != nil {
		return xerrors.Errorf("encoding certificate: %w", err)
	}
	return l.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, stmtInsertCertificate, cert.CertificateId, cert.PublicKey, b); err != nil {
			return err
		}
		for _, p := range props {
			if _, err := tx.ExecContext(ctx, stmtInsertCertificateProp, cert.CertificateId, p.id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) GetCertificate(ctx context.Context, pubKey, certId string) (*types.Certificate, error) {
	var b []byte
	err := l.db.QueryRowContext(ctx, stmtGetCertificate, pubKey, certId).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCertificate
	}
	if err != nil {
		return nil, err
	}
	var c types.Certificate
	if err := cbor.DecodeInto(b, &c); err != nil {
		return nil, xerrors.Errorf("decoding certificate %s: %w", certId, err)
	}
	return &c, nil
}

func (l *Ledger) ListCertificates(ctx context.Context, pubKey string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, stmtListCertificates, pubKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (l *Ledger) IsCertificateRevoked(ctx context.Context, certId string) (bool, error) {
	var revoked bool
	err := l.db.QueryRowContext(ctx, stmtCertificateRevoked, certId).Scan(&revoked)
	return revoked, err
}

func (l *Ledger) InsertPreimage(ctx context.Context, p Preimage) error {
	_, err := l.db.ExecContext(ctx, stmtInsertPreimage, p.PaymentHash, p.Preimage, p.GigId, p.ReplierPublicKey, p.PublicKey)
	return err
}

// GetPreimage returns ErrUnknownPreimage when hash was never minted.
func (l *Ledger) GetPreimage(ctx context.Context, hash string) (*Preimage, error) {
	var p Preimage
	err := l.db.QueryRowContext(ctx, stmtGetPreimage, hash).Scan(&p.PaymentHash, &p.Preimage, &p.GigId, &p.ReplierPublicKey, &p.PublicKey, &p.IsRevealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownPreimage
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RevealedPreimage returns the preimage of hash owned by pubKey, or "" while
// it has not been revealed.
func (l *Ledger) RevealedPreimage(ctx context.Context, pubKey, hash string) (string, error) {
	var pre string
	err := l.db.QueryRowContext(ctx, stmtGetRevealedPreimage, pubKey, hash).Scan(&pre)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return pre, err
}

func (l *Ledger) HasUnrevealedPreimage(ctx context.Context, gigId, hash string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, stmtUnrevealedForGig, gigId, hash).Scan(&exists)
	return exists, err
}

func (l *Ledger) InsertGig(ctx context.Context, g *Gig) error {
	_, err := l.db.ExecContext(ctx, stmtInsertGig,
		g.GigId, g.ReplierPublicKey, g.SenderPublicKey, g.SymmetricKey,
		g.PaymentHash, g.NetworkPaymentHash, g.Status, g.SubStatus, g.DisputeDeadline.UnixNano())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGig(r rowScanner) (*Gig, error) {
	var g Gig
	var deadline int64
	if err := r.Scan(&g.GigId, &g.ReplierPublicKey, &g.SenderPublicKey, &g.SymmetricKey,
		&g.PaymentHash, &g.NetworkPaymentHash, &g.Status, &g.SubStatus, &deadline); err != nil {
		return nil, err
	}
	g.DisputeDeadline = time.Unix(0, deadline)
	return &g, nil
}

// GetGig returns nil when the gig does not exist.
func (l *Ledger) GetGig(ctx context.Context, gigId, replier string) (*Gig, error) {
	g, err := scanGig(l.db.QueryRowContext(ctx, stmtGetGig, gigId, replier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (l *Ledger) queryGigs(ctx context.Context, q string, args ...interface{}) ([]*Gig, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (l *Ledger) GigsByStatus(ctx context.Context, st GigStatus) ([]*Gig, error) {
	return l.queryGigs(ctx, stmtGigsByStatus, st)
}

// GigsByPaymentHash returns gigs referencing hash as either ticket.
func (l *Ledger) GigsByPaymentHash(ctx context.Context, hash string) ([]*Gig, error) {
	return l.queryGigs(ctx, stmtGigsByHash, hash, hash)
}

// SymmetricKey returns the reply key of an Accepted gig, or "".
func (l *Ledger) SymmetricKey(ctx context.Context, sender, gigId, replier string) (string, error) {
	var key string
	err := l.db.QueryRowContext(ctx, stmtGetSymmetricKey, sender, gigId, replier, GigAccepted).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return key, err
}

// casGig moves a gig from (fromStatus, fromSub) to (to, toSub), setting the
// deadline. It reports whether this call performed the transition.
func (l *Ledger) casGig(ctx context.Context, g *Gig, fromStatus GigStatus, fromSub GigSubStatus, to GigStatus, toSub GigSubStatus, deadline time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, stmtCasStatus, to, toSub, deadline.UnixNano(), g.GigId, g.ReplierPublicKey, fromStatus, fromSub)
	if err != nil {
		return false, xerrors.Errorf("updating gig %s: %w", g.GigId, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// acceptGig moves an Open gig to Accepted with the given dispute deadline.
func (l *Ledger) acceptGig(ctx context.Context, gigId, replier string, deadline time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, stmtAcceptGig, GigAccepted, SubNone, deadline.UnixNano(), gigId, replier, GigOpen)
	if err != nil {
		return false, xerrors.Errorf("accepting gig %s: %w", gigId, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// casGigStatus moves a gig out of from regardless of its sub-status.
func (l *Ledger) casGigStatus(ctx context.Context, gigId, replier string, from, to GigStatus) (bool, error) {
	res, err := l.db.ExecContext(ctx, stmtCasStatusAnySub, to, SubNone, gigId, replier, from)
	if err != nil {
		return false, xerrors.Errorf("updating gig %s: %w", gigId, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// completeGig moves an Accepted gig to Completed and reveals every preimage
// of (gigId, replier) in the same transaction. It returns the preimages owned
// by authorityKey, or ok=false when the gig was not Accepted.
func (l *Ledger) completeGig(ctx context.Context, gigId, replier, authorityKey string) (owned []OwnedPreimage, ok bool, err error) {
	err = l.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, stmtCasStatusAnySub, GigCompleted, SubNone, gigId, replier, GigAccepted)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n != 1 {
			return err
		}
		ok = true

		if _, err := tx.ExecContext(ctx, stmtRevealGigPreimages, gigId, replier); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, stmtGigPreimagesForOwner, gigId, replier, authorityKey)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck
		for rows.Next() {
			p := OwnedPreimage{GigId: gigId, ReplierPublicKey: replier}
			if err := rows.Scan(&p.PaymentHash, &p.Preimage); err != nil {
				return err
			}
			owned = append(owned, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, false, xerrors.Errorf("completing gig %s: %w", gigId, err)
	}
	return owned, ok, nil
}

// OwnedPreimage is an authority-owned preimage of a completed gig.
type OwnedPreimage struct {
	PaymentHash      string
	Preimage         string
	GigId            string
	ReplierPublicKey string
}

// markPreimageSettled records that the invoice of hash has been settled.
func (l *Ledger) markPreimageSettled(ctx context.Context, hash string) error {
	if _, err := l.db.ExecContext(ctx, stmtMarkSettled, hash); err != nil {
		return xerrors.Errorf("marking preimage %s settled: %w", hash, err)
	}
	return nil
}

// unsettledCompleted lists preimages owned by authorityKey whose gig is
// Completed but whose invoice was never marked settled.
func (l *Ledger) unsettledCompleted(ctx context.Context, authorityKey string) ([]OwnedPreimage, error) {
	rows, err := l.db.QueryContext(ctx, stmtUnsettledCompleted, authorityKey, GigCompleted)
	if err != nil {
		return nil, xerrors.Errorf("listing unsettled preimages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []OwnedPreimage
	for rows.Next() {
		var p OwnedPreimage
		if err := rows.Scan(&p.PaymentHash, &p.Preimage, &p.GigId, &p.ReplierPublicKey); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *Ledger) withTx(ctx context.Context, cb func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := cb(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
