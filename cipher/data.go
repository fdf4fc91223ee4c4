package cipher

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"github.com/status-im/doubleratchet"
)

type localIdentity struct {
	PublicKey  []byte `db:"pub_key"`
	PrivateKey []byte `db:"priv_key"`
}

type remoteIdentity struct {
	IdentityID  []byte `db:"identity_id"`
	IdentityKey []byte `db:"identity_key"`
	CtimeMs     uint64 `db:"ctime_ms"`
}

type prekey struct {
	ID         uint32 `db:"id"`
	PublicKey  []byte `db:"pub_key"`
	PrivateKey []byte `db:"priv_key"`
}

type session struct {
	IdentityID []byte `db:"identity_id"`
	Device     uint32 `db:"device"`
	ID         []byte `db:"session_id"`
	BaseKey    []byte `db:"base_key"`
	CtimeMs    uint64 `db:"ctime_ms"`
}

type pendingPrekey struct {
	SessionID    []byte `db:"session_id"`
	EphemeralKey []byte `db:"ephemeral_key"`
	PrekeyID     uint32 `db:"prekey_id"`
}

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_cipher", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _cipher_identity (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						pub_key BLOB NOT NULL,
						priv_key BLOB NOT NULL
					);

					CREATE TABLE _cipher_identities (
						identity_id BLOB PRIMARY KEY,
						identity_key BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _cipher_prekeys (
						id INTEGER PRIMARY KEY,
						pub_key BLOB NOT NULL,
						priv_key BLOB NOT NULL
					);

					CREATE TABLE _cipher_sessions (
						identity_id BLOB NOT NULL,
						device INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						base_key BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY (identity_id, device)
					);
					CREATE UNIQUE INDEX cipher_sessions_session_id on _cipher_sessions (session_id);

					CREATE TABLE _cipher_pending_prekeys (
						session_id BLOB PRIMARY KEY,
						ephemeral_key BLOB NOT NULL,
						prekey_id INTEGER NOT NULL
					);

					CREATE TABLE _cipher_received (
						digest BLOB PRIMARY KEY,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count BLOB NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count BLOB NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) localIdentity() (*localIdentity, error) {
	li := &localIdentity{}
	if err := db.Tx.Get(li, "SELECT pub_key, priv_key FROM _cipher_identity WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cipher: error getting local identity: %w", err)
	}
	return li, nil
}

func (db *database) insertLocalIdentity(li *localIdentity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _cipher_identity (id, pub_key, priv_key) VALUES (0, :pub_key, :priv_key)", li); err != nil {
		return fmt.Errorf("cipher: error inserting local identity: %w", err)
	}
	return nil
}

func (db *database) remoteIdentity(id ids.ID) (*remoteIdentity, error) {
	ri := &remoteIdentity{}
	if err := db.Tx.Get(ri, "SELECT * FROM _cipher_identities WHERE identity_id = $1", id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cipher: error getting identity %s: %w", id, err)
	}
	return ri, nil
}

func (db *database) upsertRemoteIdentity(ri *remoteIdentity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _cipher_identities (identity_id, identity_key, ctime_ms) VALUES (:identity_id, :identity_key, :ctime_ms) ON CONFLICT(identity_id) DO UPDATE SET identity_key = :identity_key, ctime_ms = :ctime_ms", ri); err != nil {
		return fmt.Errorf("cipher: error upserting identity: %w", err)
	}
	return nil
}

func (db *database) prekey(id uint32) (*prekey, error) {
	p := &prekey{}
	if err := db.Tx.Get(p, "SELECT * FROM _cipher_prekeys WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cipher: error getting prekey %d: %w", id, err)
	}
	return p, nil
}

func (db *database) maxPrekeyID() (uint32, error) {
	var max sql.NullInt64
	if err := db.Tx.Get(&max, "SELECT max(id) FROM _cipher_prekeys"); err != nil {
		return 0, fmt.Errorf("cipher: error getting max prekey id: %w", err)
	}
	return uint32(max.Int64), nil
}

func (db *database) insertPrekey(p *prekey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _cipher_prekeys (id, pub_key, priv_key) VALUES (:id, :pub_key, :priv_key)", p); err != nil {
		return fmt.Errorf("cipher: error inserting prekey: %w", err)
	}
	return nil
}

func (db *database) deletePrekey(id uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _cipher_prekeys WHERE id = $1", id); err != nil {
		return fmt.Errorf("cipher: error deleting prekey %d: %w", id, err)
	}
	return nil
}

func (db *database) prekeyCount() (int, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _cipher_prekeys"); err != nil {
		return 0, fmt.Errorf("cipher: error counting prekeys: %w", err)
	}
	return count, nil
}

func (db *database) session(addr ids.Address) (*session, error) {
	s := &session{}
	if err := db.Tx.Get(s, "SELECT * FROM _cipher_sessions WHERE identity_id = $1 AND device = $2", addr.ID[:], addr.Device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cipher: error getting session for %s: %w", addr, err)
	}
	return s, nil
}

func (db *database) sessionDevices(id ids.ID) ([]uint32, error) {
	var devices []uint32
	if err := db.Tx.Select(&devices, "SELECT device FROM _cipher_sessions WHERE identity_id = $1 ORDER BY device", id[:]); err != nil {
		return nil, fmt.Errorf("cipher: error getting devices for %s: %w", id, err)
	}
	return devices, nil
}

func (db *database) upsertSession(s *session) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _cipher_sessions (identity_id, device, session_id, base_key, ctime_ms) VALUES (:identity_id, :device, :session_id, :base_key, :ctime_ms) ON CONFLICT(identity_id, device) DO UPDATE SET session_id = :session_id, base_key = :base_key, ctime_ms = :ctime_ms", s); err != nil {
		return fmt.Errorf("cipher: error upserting session: %w", err)
	}
	return nil
}

// deleteSession removes the session row along with its ratchet state, skipped keys and any pending prekey header.
func (db *database) deleteSession(sessionID []byte) error {
	for _, q := range []string{
		"DELETE FROM _cipher_sessions WHERE session_id = $1",
		"DELETE FROM _cipher_pending_prekeys WHERE session_id = $1",
		"DELETE FROM _doubleratchet_states WHERE id = $1",
		"DELETE FROM _doubleratchet_keys WHERE session_id = $1",
	} {
		if _, err := db.Tx.Exec(q, sessionID); err != nil {
			return fmt.Errorf("cipher: error deleting session %x: %w", sessionID, err)
		}
	}
	return nil
}

func (db *database) deleteSessionsForIdentity(id ids.ID) error {
	var sessionIDs [][]byte
	if err := db.Tx.Select(&sessionIDs, "SELECT session_id FROM _cipher_sessions WHERE identity_id = $1", id[:]); err != nil {
		return fmt.Errorf("cipher: error getting sessions for %s: %w", id, err)
	}
	for _, sid := range sessionIDs {
		if err := db.deleteSession(sid); err != nil {
			return err
		}
	}
	return nil
}

func (db *database) pendingPrekey(sessionID []byte) (*pendingPrekey, error) {
	pp := &pendingPrekey{}
	if err := db.Tx.Get(pp, "SELECT * FROM _cipher_pending_prekeys WHERE session_id = $1", sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cipher: error getting pending prekey: %w", err)
	}
	return pp, nil
}

func (db *database) upsertPendingPrekey(pp *pendingPrekey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _cipher_pending_prekeys (session_id, ephemeral_key, prekey_id) VALUES (:session_id, :ephemeral_key, :prekey_id) ON CONFLICT(session_id) DO UPDATE SET ephemeral_key = :ephemeral_key, prekey_id = :prekey_id", pp); err != nil {
		return fmt.Errorf("cipher: error upserting pending prekey: %w", err)
	}
	return nil
}

func (db *database) deletePendingPrekey(sessionID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _cipher_pending_prekeys WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("cipher: error deleting pending prekey: %w", err)
	}
	return nil
}

func (db *database) received(digest []byte) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _cipher_received WHERE digest = $1", digest); err != nil {
		return false, fmt.Errorf("cipher: error checking received digest: %w", err)
	}
	return count != 0, nil
}

func (db *database) insertReceived(digest []byte, ctimeMs uint64) error {
	if _, err := db.Tx.Exec("INSERT INTO _cipher_received (digest, ctime_ms) VALUES ($1, $2)", digest, ctimeMs); err != nil {
		return fmt.Errorf("cipher: error inserting received digest: %w", err)
	}
	return nil
}

func (db *database) pruneReceived(beforeMs uint64) (int64, error) {
	res, err := db.Tx.Exec("DELETE FROM _cipher_received WHERE ctime_ms < $1", beforeMs)
	if err != nil {
		return 0, fmt.Errorf("cipher: error pruning received digests: %w", err)
	}
	return res.RowsAffected()
}

func (db *database) doubleratchetState(id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := db.Tx.Get(s, "select * from _doubleratchet_states where id = $1", id); err != nil {
		return nil, fmt.Errorf("cipher: error getting doubleratchet_state: %w", err)
	}
	return s, nil
}

func (db *database) upsertDoubleratchetState(s *doubleratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) on CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("cipher: error upserting doubleratchet_state: %w", err)
	}
	return nil
}

func (db *database) doubleratchetSessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: db}
}

func (db *database) doubleratchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (db *database) doubleratchetKeysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return &keysStorageImpl{sessionID: sessionID, db: db}
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*doubleratchetKey, bool, error) {
	kr := &doubleratchetKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (db *database) insertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	_, err := db.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum)
	if err != nil {
		return fmt.Errorf("cipher: error inserting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	_, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		return fmt.Errorf("cipher: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	_, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? and seq_num < ?", sessionID, deleteUntilSeqKey)
	if err != nil {
		return fmt.Errorf("cipher: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	_, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys where session_id = ? and seq_num not in (select seq_num from _doubleratchet_keys where session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys)
	if err != nil {
		return fmt.Errorf("cipher: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("cipher: error counting keys: %w", err)
	}
	return count, nil
}
