package zombiezen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	acme "github.com/caasmo/restinpieces-acme-ondemand"
)

// ErrChallengeNotFound is returned by GetChallenge for unknown tokens.
var ErrChallengeNotFound = errors.New("db: challenge not found")

const schema = `
CREATE TABLE IF NOT EXISTS acme_certificates (
	id          INTEGER PRIMARY KEY,
	servername  TEXT NOT NULL UNIQUE,
	private_key TEXT NOT NULL DEFAULT '',
	cert        TEXT NOT NULL DEFAULT '',
	chain       TEXT NOT NULL DEFAULT '[]',
	valid_from  TEXT NOT NULL DEFAULT '',
	expires     TEXT NOT NULL DEFAULT '',
	altnames    TEXT NOT NULL DEFAULT '[]',
	issuer      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	last_check  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
	updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS acme_accounts (
	key_id      TEXT PRIMARY KEY,
	private_key TEXT NOT NULL,
	uri         TEXT NOT NULL,
	email       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS acme_challenges (
	token      TEXT PRIMARY KEY,
	domain     TEXT NOT NULL,
	key_auth   TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
`

// Db implements acme.Store and acme.ChallengeStore using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

var (
	_ acme.Store          = (*Db)(nil)
	_ acme.ChallengeStore = (*Db)(nil)
)

// New creates a Db on top of pool.
// It expects the sqlitex.Pool to be created and managed externally.
func New(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.New: received nil pool")
	}
	return &Db{pool: pool}
}

func (d *Db) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	return conn, nil
}

// Migrate creates the tables if they do not exist.
func (d *Db) Migrate(ctx context.Context) error {
	conn, err := d.take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("db: failed to migrate: %w", err)
	}
	return nil
}

// CreateRecord provisions a pending record for domain. Existing records are
// left untouched.
func (d *Db) CreateRecord(ctx context.Context, domain string) error {
	name, err := acme.NormalizeDomain(domain)
	if err != nil {
		return err
	}
	conn, err := d.take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO acme_certificates (servername, status) VALUES (?, ?)
		ON CONFLICT(servername) DO NOTHING;`,
		&sqlitex.ExecOptions{Args: []any{name, string(acme.StatusPending)}})
	if err != nil {
		return fmt.Errorf("db: failed to create record for %q: %w", name, err)
	}
	return nil
}

func (d *Db) GetRecord(ctx context.Context, domain string, includeSecrets bool) (*acme.CertificateRecord, error) {
	conn, err := d.take(ctx)
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var rec *acme.CertificateRecord
	err = sqlitex.Execute(conn,
		`SELECT id, servername, private_key, cert, chain, valid_from, expires, altnames, issuer, status, last_check
		FROM acme_certificates WHERE servername = ? LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{domain},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				if !includeSecrets {
					r.PrivateKey = ""
				}
				rec = r
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to get record for %q: %w", domain, err)
	}
	return rec, nil
}

func scanRecord(stmt *sqlite.Stmt) (*acme.CertificateRecord, error) {
	r := &acme.CertificateRecord{
		ID:         stmt.GetInt64("id"),
		Servername: stmt.GetText("servername"),
		PrivateKey: stmt.GetText("private_key"),
		Cert:       stmt.GetText("cert"),
		Issuer:     stmt.GetText("issuer"),
		Status:     acme.Status(stmt.GetText("status")),
	}
	var err error
	if r.ValidFrom, err = acme.ParseTime(stmt.GetText("valid_from")); err != nil {
		return nil, fmt.Errorf("valid_from: %w", err)
	}
	if r.Expires, err = acme.ParseTime(stmt.GetText("expires")); err != nil {
		return nil, fmt.Errorf("expires: %w", err)
	}
	if r.LastCheck, err = acme.ParseTime(stmt.GetText("last_check")); err != nil {
		return nil, fmt.Errorf("last_check: %w", err)
	}
	if err := json.Unmarshal([]byte(stmt.GetText("chain")), &r.Chain); err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}
	if err := json.Unmarshal([]byte(stmt.GetText("altnames")), &r.AltNames); err != nil {
		return nil, fmt.Errorf("altnames: %w", err)
	}
	return r, nil
}

func (d *Db) Update(ctx context.Context, domain string, u acme.RecordUpdate) (bool, error) {
	chain, err := json.Marshal(nonNil(u.Chain))
	if err != nil {
		return false, fmt.Errorf("db: failed to encode chain: %w", err)
	}
	altnames, err := json.Marshal(nonNil(u.AltNames))
	if err != nil {
		return false, fmt.Errorf("db: failed to encode altnames: %w", err)
	}

	conn, err := d.take(ctx)
	if err != nil {
		return false, err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE acme_certificates SET
			cert = ?, chain = ?, valid_from = ?, expires = ?, altnames = ?, issuer = ?,
			status = ?, last_check = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE servername = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{
				u.Cert,
				string(chain),
				acme.TimeFormat(u.ValidFrom),
				acme.TimeFormat(u.Expires),
				string(altnames),
				u.Issuer,
				string(u.Status),
				acme.TimeFormat(u.LastCheck),
				domain,
			},
		})
	if err != nil {
		return false, fmt.Errorf("db: failed to update certificate for %q: %w", domain, err)
	}
	return conn.Changes() > 0, nil
}

func (d *Db) ResetPrivateKey(ctx context.Context, domain string, keyPEM string) error {
	conn, err := d.take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE acme_certificates SET private_key = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE servername = ?;`,
		&sqlitex.ExecOptions{Args: []any{keyPEM, domain}})
	if err != nil {
		return fmt.Errorf("db: failed to reset private key for %q: %w", domain, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("db: reset private key: %w", acme.ErrMissingCertificate)
	}
	return nil
}

func (d *Db) GetAccount(ctx context.Context, keyID string) (*acme.AccountRecord, error) {
	conn, err := d.take(ctx)
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var acct *acme.AccountRecord
	err = sqlitex.Execute(conn,
		`SELECT key_id, private_key, uri, email, created_at FROM acme_accounts WHERE key_id = ? LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{keyID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				createdAt, err := acme.ParseTime(stmt.GetText("created_at"))
				if err != nil {
					return fmt.Errorf("created_at: %w", err)
				}
				acct = &acme.AccountRecord{
					KeyID:      stmt.GetText("key_id"),
					PrivateKey: stmt.GetText("private_key"),
					URI:        stmt.GetText("uri"),
					Email:      stmt.GetText("email"),
					CreatedAt:  createdAt,
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to get account %q: %w", keyID, err)
	}
	return acct, nil
}

func (d *Db) PutAccount(ctx context.Context, keyID string, rec acme.AccountRecord) error {
	conn, err := d.take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO acme_accounts (key_id, private_key, uri, email, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET private_key = excluded.private_key, uri = excluded.uri, email = excluded.email;`,
		&sqlitex.ExecOptions{
			Args: []any{keyID, rec.PrivateKey, rec.URI, rec.Email, acme.TimeFormat(rec.CreatedAt)},
		})
	if err != nil {
		return fmt.Errorf("db: failed to put account %q: %w", keyID, err)
	}
	return nil
}

func (d *Db) PutChallenge(ctx context.Context, domain, token, keyAuth string) error {
	conn, err := d.take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO acme_challenges (token, domain, key_auth) VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET domain = excluded.domain, key_auth = excluded.key_auth;`,
		&sqlitex.ExecOptions{Args: []any{token, domain, keyAuth}})
	if err != nil {
		return fmt.Errorf("db: failed to put challenge for %q: %w", domain, err)
	}
	return nil
}

func (d *Db) GetChallenge(ctx context.Context, token string) (string, error) {
	conn, err := d.take(ctx)
	if err != nil {
		return "", err
	}
	defer d.pool.Put(conn)

	var keyAuth string
	found := false
	err = sqlitex.Execute(conn,
		`SELECT key_auth FROM acme_challenges WHERE token = ? LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{token},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keyAuth = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("db: failed to get challenge: %w", err)
	}
	if !found {
		return "", ErrChallengeNotFound
	}
	return keyAuth, nil
}

func (d *Db) DeleteChallenge(ctx context.Context, token string) error {
	conn, err := d.take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM acme_challenges WHERE token = ?;`,
		&sqlitex.ExecOptions{Args: []any{token}}); err != nil {
		return fmt.Errorf("db: failed to delete challenge: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
