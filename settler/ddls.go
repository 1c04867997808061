package settler

import (
	"context"
	"database/sql"

	"github.com/giggossip/giggossip/lib/sqlite"
)

const DefaultDbFilename = "settler.db"

// infiniteDeadline marks a gig whose dispute window has not started.
const infiniteDeadline = int64(^uint64(0) >> 1)

const (
	stmtGetToken    = "SELECT token_id FROM tokens WHERE public_key = ?"
	stmtInsertToken = "INSERT INTO tokens (public_key, token_id) VALUES (?, ?) ON CONFLICT (public_key) DO NOTHING"
	stmtTokenExists = "SELECT EXISTS(SELECT 1 FROM tokens WHERE public_key = ? AND token_id = ?)"

	stmtUpsertProperty = `INSERT INTO user_properties (property_id, public_key, name, value, valid_till, is_revoked) VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (public_key, name) DO UPDATE SET value = excluded.value, valid_till = excluded.valid_till, is_revoked = 0`
	stmtGetActiveProperty   = "SELECT property_id, value, valid_till FROM user_properties WHERE public_key = ? AND name = ? AND is_revoked = 0 AND valid_till >= ?"
	stmtGetUnrevokedProp    = "SELECT property_id FROM user_properties WHERE public_key = ? AND name = ? AND is_revoked = 0"
	stmtRevokeProperty      = "UPDATE user_properties SET is_revoked = 1 WHERE property_id = ?"
	stmtRevokeCertsWithProp = "UPDATE certificates SET is_revoked = 1 WHERE certificate_id IN (SELECT certificate_id FROM certificate_properties WHERE property_id = ?)"

	stmtInsertCertificate     = "INSERT INTO certificates (certificate_id, public_key, is_revoked, certificate) VALUES (?, ?, 0, ?)"
	stmtInsertCertificateProp = "INSERT INTO certificate_properties (certificate_id, property_id) VALUES (?, ?)"
	stmtGetCertificate        = "SELECT certificate FROM certificates WHERE public_key = ? AND certificate_id = ? AND is_revoked = 0"
	stmtListCertificates      = "SELECT certificate_id FROM certificates WHERE public_key = ? AND is_revoked = 0 ORDER BY rowid"
	stmtCertificateRevoked    = "SELECT EXISTS(SELECT 1 FROM certificates WHERE certificate_id = ? AND is_revoked = 1)"

	stmtInsertPreimage = `INSERT INTO preimages (payment_hash, preimage, gig_id, replier_public_key, public_key, is_revealed)
		VALUES (?, ?, ?, ?, ?, 0)`
	stmtGetPreimage          = "SELECT payment_hash, preimage, gig_id, replier_public_key, public_key, is_revealed FROM preimages WHERE payment_hash = ?"
	stmtGetRevealedPreimage  = "SELECT preimage FROM preimages WHERE public_key = ? AND payment_hash = ? AND is_revealed = 1"
	stmtUnrevealedForGig     = "SELECT EXISTS(SELECT 1 FROM preimages WHERE gig_id = ? AND payment_hash = ? AND is_revealed = 0)"
	stmtRevealGigPreimages   = "UPDATE preimages SET is_revealed = 1 WHERE gig_id = ? AND replier_public_key = ?"
	stmtGigPreimagesForOwner = "SELECT payment_hash, preimage FROM preimages WHERE gig_id = ? AND replier_public_key = ? AND public_key = ?"
	stmtMarkSettled          = "UPDATE preimages SET is_settled = 1 WHERE payment_hash = ?"
	stmtUnsettledCompleted   = `SELECT p.payment_hash, p.preimage, p.gig_id, p.replier_public_key FROM preimages p
		JOIN gigs g ON g.gig_id = p.gig_id AND g.replier_public_key = p.replier_public_key
		WHERE p.public_key = ? AND p.is_settled = 0 AND g.status = ?`

	gigColumns = "gig_id, replier_public_key, sender_public_key, symmetric_key, payment_hash, network_payment_hash, status, sub_status, dispute_deadline"

	stmtInsertGig       = "INSERT INTO gigs (" + gigColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	stmtGetGig          = "SELECT " + gigColumns + " FROM gigs WHERE gig_id = ? AND replier_public_key = ?"
	stmtGigsByStatus    = "SELECT " + gigColumns + " FROM gigs WHERE status = ?"
	stmtGigsByHash      = "SELECT " + gigColumns + " FROM gigs WHERE payment_hash = ? OR network_payment_hash = ?"
	stmtGetSymmetricKey = "SELECT symmetric_key FROM gigs WHERE sender_public_key = ? AND gig_id = ? AND replier_public_key = ? AND status = ?"

	// Transitions are compare-and-set on (status, sub_status).
	stmtCasStatus = `UPDATE gigs SET status = ?, sub_status = ?, dispute_deadline = ?
		WHERE gig_id = ? AND replier_public_key = ? AND status = ? AND sub_status = ?`
	stmtAcceptGig = `UPDATE gigs SET status = ?, sub_status = ?, dispute_deadline = ?
		WHERE gig_id = ? AND replier_public_key = ? AND status = ?`
	stmtCasStatusAnySub = `UPDATE gigs SET status = ?, sub_status = ?
		WHERE gig_id = ? AND replier_public_key = ? AND status = ?`
)

var ddls = []string{
	`CREATE TABLE IF NOT EXISTS tokens (
		public_key TEXT PRIMARY KEY,
		token_id TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS user_properties (
		property_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		name TEXT NOT NULL,
		value BLOB,
		valid_till INTEGER NOT NULL,
		is_revoked INTEGER NOT NULL,
		UNIQUE (public_key, name)
	)`,

	`CREATE TABLE IF NOT EXISTS certificates (
		certificate_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		is_revoked INTEGER NOT NULL,
		certificate BLOB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS certificate_properties (
		certificate_id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		PRIMARY KEY (certificate_id, property_id)
	)`,

	`CREATE TABLE IF NOT EXISTS preimages (
		payment_hash TEXT PRIMARY KEY,
		preimage TEXT NOT NULL,
		gig_id TEXT NOT NULL,
		replier_public_key TEXT NOT NULL,
		public_key TEXT NOT NULL,
		is_revealed INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS gigs (
		gig_id TEXT NOT NULL,
		replier_public_key TEXT NOT NULL,
		sender_public_key TEXT NOT NULL,
		symmetric_key TEXT NOT NULL,
		payment_hash TEXT NOT NULL,
		network_payment_hash TEXT NOT NULL,
		status INTEGER NOT NULL,
		sub_status INTEGER NOT NULL,
		dispute_deadline INTEGER NOT NULL,
		PRIMARY KEY (gig_id, replier_public_key)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_preimages_gig ON preimages (gig_id, replier_public_key)`,
	`CREATE INDEX IF NOT EXISTS idx_gigs_status ON gigs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_gigs_payment_hash ON gigs (payment_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_gigs_network_payment_hash ON gigs (network_payment_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_cert_props_property ON certificate_properties (property_id)`,
}

var migrations = []sqlite.MigrationFunc{
	// v2: authority-owned preimages remember whether their invoice was settled
	func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "ALTER TABLE preimages ADD COLUMN is_settled INTEGER NOT NULL DEFAULT 0")
		return err
	},
}
