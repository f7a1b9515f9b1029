package keystore

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// schemaVersion is stored in metadata. Migrations add tables; they never
// rewrite rows.
const schemaVersion = 1

const createSchema = `
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS identity (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	seed         BLOB NOT NULL,
	signing_key  BLOB NOT NULL,
	identity_key BLOB NOT NULL,
	fingerprint  TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_prekeys (
	key_id     INTEGER PRIMARY KEY,
	public_key BLOB NOT NULL,
	secret_key BLOB NOT NULL,
	signature  BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	uploaded   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS one_time_prekeys (
	key_id     INTEGER PRIMARY KEY,
	public_key BLOB NOT NULL,
	secret_key BLOB,
	created_at INTEGER NOT NULL,
	uploaded   INTEGER NOT NULL DEFAULT 0,
	consumed   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sessions (
	peer_id                 TEXT PRIMARY KEY,
	session_id              TEXT NOT NULL,
	remote_identity_key     BLOB,
	remote_signing_key      BLOB,
	remote_signed_prekey    BLOB,
	remote_signed_prekey_id INTEGER NOT NULL DEFAULT 0,
	remote_fingerprint      TEXT NOT NULL DEFAULT '',
	used_opk_id             INTEGER,
	local_ephemeral_pub     BLOB,
	local_ephemeral_secret  BLOB,
	status                  TEXT NOT NULL,
	last_error              TEXT NOT NULL DEFAULT '',
	prelude_acked           INTEGER NOT NULL DEFAULT 0,
	ratchet_state           BLOB,
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);`

// SQLiteStore is the production Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	cipher *recordCipher
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if necessary) the store at path. On first open a
// random master key is generated and wrapped under an Argon2id KEK derived
// from passphrase; subsequent opens unwrap it, failing with
// e2ee.ErrDecryptionFailed on a wrong passphrase.
func Open(path, passphrase string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	// The store is shared process-wide; SQLite serializes writers itself.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	if _, err := db.Exec(createSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", e2ee.ErrStorageUnavailable, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.bootstrapMasterKey(passphrase); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) bootstrapMasterKey(passphrase string) error {
	blob, err := s.getMetaBlob("master_key")
	if err != nil && !errors.Is(err, e2ee.ErrNotFound) {
		return err
	}
	var masterKey []byte
	if blob == nil {
		masterKey, err = newMasterKey()
		if err != nil {
			return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
		}
		wrapped, err := wrapMasterKey(masterKey, passphrase)
		if err != nil {
			return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
		}
		if err := s.putMetaBlob("master_key", wrapped); err != nil {
			return err
		}
	} else {
		masterKey, err = unwrapMasterKey(blob, passphrase)
		if err != nil {
			return err
		}
	}
	defer e2ee.Wipe(masterKey)
	s.cipher, err = newRecordCipher(masterKey)
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	v, err := s.getMetaUint("schema_version")
	if err != nil && !errors.Is(err, e2ee.ErrNotFound) {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	return s.putMetaUint("schema_version", schemaVersion)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- identity ---

func (s *SQLiteStore) LoadIdentity() (*IdentityRecord, error) {
	row := s.db.QueryRow(`SELECT seed, signing_key, identity_key, fingerprint, created_at FROM identity WHERE id = 1`)
	rec := &IdentityRecord{}
	var sealedSeed []byte
	var createdAt int64
	err := row.Scan(&sealedSeed, &rec.SigningKey, &rec.IdentityKey, &rec.Fingerprint, &createdAt)
	if err == sql.ErrNoRows {
		return nil, e2ee.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load identity: %v", e2ee.ErrStorageUnavailable, err)
	}
	if rec.Seed, err = s.cipher.open(sealedSeed); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	return rec, nil
}

func (s *SQLiteStore) SaveIdentity(rec *IdentityRecord) error {
	sealed, err := s.cipher.seal(rec.Seed)
	if err != nil {
		return fmt.Errorf("%w: seal seed: %v", e2ee.ErrStorageUnavailable, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO identity (id, seed, signing_key, identity_key, fingerprint, created_at)
		VALUES (1, ?, ?, ?, ?, ?)`,
		sealed, rec.SigningKey, rec.IdentityKey, rec.Fingerprint, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: save identity: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

// --- signed prekeys ---

func (s *SQLiteStore) LoadCurrentSignedPreKey() (*SignedPreKeyRecord, error) {
	row := s.db.QueryRow(`SELECT key_id, public_key, secret_key, signature, created_at, uploaded
		FROM signed_prekeys ORDER BY key_id DESC LIMIT 1`)
	return s.scanSignedPreKey(row)
}

func (s *SQLiteStore) LoadSignedPreKey(keyID uint32) (*SignedPreKeyRecord, error) {
	row := s.db.QueryRow(`SELECT key_id, public_key, secret_key, signature, created_at, uploaded
		FROM signed_prekeys WHERE key_id = ?`, keyID)
	return s.scanSignedPreKey(row)
}

func (s *SQLiteStore) scanSignedPreKey(row *sql.Row) (*SignedPreKeyRecord, error) {
	rec := &SignedPreKeyRecord{}
	var sealed []byte
	var createdAt int64
	err := row.Scan(&rec.KeyID, &rec.PublicKey, &sealed, &rec.Signature, &createdAt, &rec.Uploaded)
	if err == sql.ErrNoRows {
		return nil, e2ee.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load signed prekey: %v", e2ee.ErrStorageUnavailable, err)
	}
	if rec.SecretKey, err = s.cipher.open(sealed); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	return rec, nil
}

func (s *SQLiteStore) SaveSignedPreKey(rec *SignedPreKeyRecord) error {
	sealed, err := s.cipher.seal(rec.SecretKey)
	if err != nil {
		return fmt.Errorf("%w: seal signed prekey: %v", e2ee.ErrStorageUnavailable, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO signed_prekeys (key_id, public_key, secret_key, signature, created_at, uploaded)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.KeyID, rec.PublicKey, sealed, rec.Signature, rec.CreatedAt.UnixMilli(), rec.Uploaded)
	if err != nil {
		return fmt.Errorf("%w: save signed prekey: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) MarkSignedPreKeyUploaded(keyID uint32) error {
	_, err := s.db.Exec(`UPDATE signed_prekeys SET uploaded = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("%w: mark signed prekey uploaded: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

// --- one-time prekeys ---

func (s *SQLiteStore) SaveOneTimePreKeys(batch []*OneTimePreKeyRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO one_time_prekeys (key_id, public_key, secret_key, created_at, uploaded, consumed)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		sealed, err := s.cipher.seal(rec.SecretKey)
		if err != nil {
			return fmt.Errorf("%w: seal one-time prekey: %v", e2ee.ErrStorageUnavailable, err)
		}
		if _, err := stmt.Exec(rec.KeyID, rec.PublicKey, sealed, rec.CreatedAt.UnixMilli(), rec.Uploaded, rec.Consumed); err != nil {
			return fmt.Errorf("%w: save one-time prekey %d: %v", e2ee.ErrStorageUnavailable, rec.KeyID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) PendingOneTimePreKeys(limit int) ([]*OneTimePreKeyRecord, error) {
	rows, err := s.db.Query(`SELECT key_id, public_key, created_at, uploaded, consumed
		FROM one_time_prekeys WHERE uploaded = 0 AND consumed = 0 ORDER BY key_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: pending one-time prekeys: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*OneTimePreKeyRecord
	for rows.Next() {
		rec := &OneTimePreKeyRecord{}
		var createdAt int64
		if err := rows.Scan(&rec.KeyID, &rec.PublicKey, &createdAt, &rec.Uploaded, &rec.Consumed); err != nil {
			return nil, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkOneTimePreKeysUploaded(ids []uint32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE one_time_prekeys SET uploaded = 1 WHERE key_id = ?`, id); err != nil {
			return fmt.Errorf("%w: mark uploaded %d: %v", e2ee.ErrStorageUnavailable, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeOneTimePreKey(keyID uint32) (*OneTimePreKeyRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	rec := &OneTimePreKeyRecord{}
	var sealed []byte
	var createdAt int64
	err = tx.QueryRow(`SELECT key_id, public_key, secret_key, created_at, uploaded, consumed
		FROM one_time_prekeys WHERE key_id = ?`, keyID).
		Scan(&rec.KeyID, &rec.PublicKey, &sealed, &createdAt, &rec.Uploaded, &rec.Consumed)
	if err == sql.ErrNoRows {
		return nil, e2ee.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: consume one-time prekey: %v", e2ee.ErrStorageUnavailable, err)
	}
	if rec.Consumed || sealed == nil {
		return nil, e2ee.ErrOpkAlreadyConsumed
	}
	if rec.SecretKey, err = s.cipher.open(sealed); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)

	// The secret key is deleted with the consume; the row survives so a
	// replayed id is detected rather than treated as unknown.
	if _, err := tx.Exec(`UPDATE one_time_prekeys SET consumed = 1, secret_key = NULL WHERE key_id = ?`, keyID); err != nil {
		return nil, fmt.Errorf("%w: consume one-time prekey: %v", e2ee.ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	rec.Consumed = true
	return rec, nil
}

func (s *SQLiteStore) CountOneTimePreKeys() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM one_time_prekeys WHERE consumed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count one-time prekeys: %v", e2ee.ErrStorageUnavailable, err)
	}
	return n, nil
}

// --- sessions ---

func (s *SQLiteStore) SaveSession(rec *SessionRecord) error {
	sealed, err := s.cipher.seal(rec.RatchetState)
	if err != nil {
		return fmt.Errorf("%w: seal ratchet state: %v", e2ee.ErrStorageUnavailable, err)
	}
	sealedEphemeral, err := s.cipher.seal(rec.LocalEphemeralSecret)
	if err != nil {
		return fmt.Errorf("%w: seal ephemeral secret: %v", e2ee.ErrStorageUnavailable, err)
	}
	var usedOpk interface{}
	if rec.UsedOneTimePreKeyID != nil {
		usedOpk = int64(*rec.UsedOneTimePreKeyID)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions
		(peer_id, session_id, remote_identity_key, remote_signing_key, remote_signed_prekey,
		 remote_signed_prekey_id, remote_fingerprint, used_opk_id, local_ephemeral_pub,
		 local_ephemeral_secret, status, last_error, prelude_acked, ratchet_state,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PeerID, rec.SessionID, rec.RemoteIdentityKey, rec.RemoteSigningKey, rec.RemoteSignedPreKey,
		rec.RemoteSignedPreKeyID, rec.RemoteFingerprint, usedOpk, rec.LocalEphemeralPub,
		sealedEphemeral, rec.Status, rec.LastError, rec.PreludeAcked, sealed,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: save session: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) LoadSession(peerID string) (*SessionRecord, error) {
	row := s.db.QueryRow(`SELECT peer_id, session_id, remote_identity_key, remote_signing_key,
		remote_signed_prekey, remote_signed_prekey_id, remote_fingerprint, used_opk_id,
		local_ephemeral_pub, local_ephemeral_secret, status, last_error, prelude_acked,
		ratchet_state, created_at, updated_at
		FROM sessions WHERE peer_id = ?`, peerID)
	rec, err := s.scanSession(rowScanner{row})
	if err == sql.ErrNoRows {
		return nil, e2ee.ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListSessions() ([]*SessionRecord, error) {
	rows, err := s.db.Query(`SELECT peer_id, session_id, remote_identity_key, remote_signing_key,
		remote_signed_prekey, remote_signed_prekey_id, remote_fingerprint, used_opk_id,
		local_ephemeral_pub, local_ephemeral_secret, status, last_error, prelude_acked,
		ratchet_state, created_at, updated_at
		FROM sessions ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type rowScanner struct{ *sql.Row }

func (s *SQLiteStore) scanSession(sc scanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var sealed, sealedEphemeral []byte
	var usedOpk sql.NullInt64
	var createdAt, updatedAt int64
	err := sc.Scan(&rec.PeerID, &rec.SessionID, &rec.RemoteIdentityKey, &rec.RemoteSigningKey,
		&rec.RemoteSignedPreKey, &rec.RemoteSignedPreKeyID, &rec.RemoteFingerprint, &usedOpk,
		&rec.LocalEphemeralPub, &sealedEphemeral, &rec.Status, &rec.LastError, &rec.PreludeAcked,
		&sealed, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan session: %v", e2ee.ErrStorageUnavailable, err)
	}
	if usedOpk.Valid {
		id := uint32(usedOpk.Int64)
		rec.UsedOneTimePreKeyID = &id
	}
	if rec.RatchetState, err = s.cipher.open(sealed); err != nil {
		return nil, err
	}
	if rec.LocalEphemeralSecret, err = s.cipher.open(sealedEphemeral); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

func (s *SQLiteStore) DeleteSession(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("%w: delete session: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

// --- metadata & counters ---

func (s *SQLiteStore) AllocatePrekeyIDs(n int) (uint32, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: allocate %d prekey ids", e2ee.ErrStorageUnavailable, n)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	next := uint32(1)
	var blob []byte
	err = tx.QueryRow(`SELECT value FROM metadata WHERE key = 'next_prekey_id'`).Scan(&blob)
	if err == nil {
		next = decodeUint(blob)
	} else if err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES ('next_prekey_id', ?)`,
		encodeUint(next+uint32(n))); err != nil {
		return 0, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	return next, nil
}

func (s *SQLiteStore) Metadata() (*Metadata, error) {
	md := &Metadata{}
	var err error
	if md.NextPreKeyID, err = s.metaUintDefault("next_prekey_id", 1); err != nil {
		return nil, err
	}
	if md.LastSignedPreKeyID, err = s.metaUintDefault("last_signed_prekey_id", 0); err != nil {
		return nil, err
	}
	if md.SchemaVersion, err = s.metaIntDefault("schema_version", 0); err != nil {
		return nil, err
	}
	uploadMs, err := s.metaUint64Default("last_upload_at", 0)
	if err != nil {
		return nil, err
	}
	if uploadMs > 0 {
		md.LastUploadAt = time.UnixMilli(int64(uploadMs))
	}
	return md, nil
}

func (s *SQLiteStore) UpdateMetadata(patch func(*Metadata)) error {
	md, err := s.Metadata()
	if err != nil {
		return err
	}
	patch(md)
	if err := s.putMetaUint("last_signed_prekey_id", md.LastSignedPreKeyID); err != nil {
		return err
	}
	var uploadMs uint64
	if !md.LastUploadAt.IsZero() {
		uploadMs = uint64(md.LastUploadAt.UnixMilli())
	}
	return s.putMetaUint64("last_upload_at", uploadMs)
}

// Reset wipes identity, prekeys, and sessions, keeping the master key and
// the prekey id counter: key ids stay monotonic across an identity reset.
func (s *SQLiteStore) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM identity`,
		`DELETE FROM signed_prekeys`,
		`DELETE FROM one_time_prekeys`,
		`DELETE FROM sessions`,
		`DELETE FROM metadata WHERE key IN ('last_signed_prekey_id', 'last_upload_at')`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%w: reset: %v", e2ee.ErrStorageUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrStorageUnavailable, err)
	}
	return nil
}

// --- metadata helpers ---

func (s *SQLiteStore) getMetaBlob(key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, e2ee.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: metadata %s: %v", e2ee.ErrStorageUnavailable, key, err)
	}
	return blob, nil
}

func (s *SQLiteStore) putMetaBlob(key string, value []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("%w: metadata %s: %v", e2ee.ErrStorageUnavailable, key, err)
	}
	return nil
}

func (s *SQLiteStore) getMetaUint(key string) (uint32, error) {
	blob, err := s.getMetaBlob(key)
	if err != nil {
		return 0, err
	}
	return decodeUint(blob), nil
}

func (s *SQLiteStore) putMetaUint(key string, v uint32) error {
	return s.putMetaBlob(key, encodeUint(v))
}

func (s *SQLiteStore) putMetaUint64(key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return s.putMetaBlob(key, buf)
}

func (s *SQLiteStore) metaUintDefault(key string, def uint32) (uint32, error) {
	v, err := s.getMetaUint(key)
	if errors.Is(err, e2ee.ErrNotFound) {
		return def, nil
	}
	return v, err
}

func (s *SQLiteStore) metaIntDefault(key string, def int) (int, error) {
	v, err := s.metaUintDefault(key, uint32(def))
	return int(v), err
}

func (s *SQLiteStore) metaUint64Default(key string, def uint64) (uint64, error) {
	blob, err := s.getMetaBlob(key)
	if errors.Is(err, e2ee.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	if len(blob) != 8 {
		return def, nil
	}
	return binary.BigEndian.Uint64(blob), nil
}

func encodeUint(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeUint(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
