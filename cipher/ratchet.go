package cipher

import (
	"bytes"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"github.com/meow-io/go-courier/crypto"
	"github.com/status-im/doubleratchet"
)

// ratchetMessage is the wire form of a single double ratchet message.
type ratchetMessage struct {
	Dh   []byte `bencode:"dh"`
	N    uint32 `bencode:"n"`
	Pn   uint32 `bencode:"pn"`
	Body []byte `bencode:"b"`
}

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

func newDHPair() (dhPairImpl, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return dhPairImpl{}, err
	}
	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func dhPairFromPrivate(priv []byte) (dhPairImpl, error) {
	k, err := crypto.SliceToKey(priv)
	if err != nil {
		return dhPairImpl{}, err
	}
	return dhPairImpl{privateKey: *k, publicKey: *scalarmult.Base(k)}, nil
}

type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.doubleratchetState(id)
	if err != nil {
		return nil, err
	}

	dhsPriv, err := crypto.SliceToKey(s.DhsPriv)
	if err != nil {
		return nil, fmt.Errorf("cipher: stored sending key: %w", err)
	}
	dhsPub, err := crypto.SliceToKey(s.DhsPub)
	if err != nil {
		return nil, fmt.Errorf("cipher: stored sending key: %w", err)
	}

	drc := ss.db.doubleratchetCrypto()

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *dhsPriv, publicKey: *dhsPub},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	return ss.db.upsertDoubleratchetState(&doubleratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	})
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	return newDHPair()
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.DH(dhPair.PrivateKey(), dhPub)
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.keyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("cipher: expected session %x, got %x", ks.sessionID, sessionID)
	}
	return ks.db.insertKeyByMsgNum(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteKeyByMsgNum(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("cipher: expected session %x, got %x", ks.sessionID, sessionID)
	}
	return ks.db.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("cipher: expected session %x, got %x", ks.sessionID, sessionID)
	}
	return ks.db.truncateMks(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countKeys(k)
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("cipher: listing all skipped keys is not supported")
}

func (db *database) loadRatchet(sessionID []byte) (doubleratchet.Session, error) {
	return doubleratchet.Load(sessionID, db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(db.doubleratchetKeysStorage(sessionID)))
}

// newResponderRatchet starts a session owning pair, the one-time prekey the remote side agreed against.
func (db *database) newResponderRatchet(sessionID, secret []byte, pair dhPairImpl) error {
	if _, err := doubleratchet.New(sessionID, secret, pair, db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(db.doubleratchetKeysStorage(sessionID))); err != nil {
		return fmt.Errorf("cipher: error initializing doubleratchet: %w", err)
	}
	return nil
}

// newInitiatorRatchet starts a session towards the remote prekey.
func (db *database) newInitiatorRatchet(sessionID, secret, remotePrekey []byte) error {
	if _, err := doubleratchet.NewWithRemoteKey(sessionID, secret, remotePrekey, db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(db.doubleratchetKeysStorage(sessionID))); err != nil {
		return fmt.Errorf("cipher: error initializing doubleratchet: %w", err)
	}
	return nil
}

func (db *database) ratchetEncrypt(sessionID, body []byte) (*ratchetMessage, error) {
	drSession, err := db.loadRatchet(sessionID)
	if err != nil {
		return nil, fmt.Errorf("cipher: loading ratchet: %w", err)
	}
	msg, err := drSession.RatchetEncrypt(body, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: ratchet encrypt: %w", err)
	}
	return &ratchetMessage{
		Dh:   msg.Header.DH,
		N:    msg.Header.N,
		Pn:   msg.Header.PN,
		Body: msg.Ciphertext,
	}, nil
}

// validate rejects headers the ratchet cannot process.
func (rm *ratchetMessage) validate() error {
	if len(rm.Dh) != 32 {
		return fmt.Errorf("ratchet key is %d bytes", len(rm.Dh))
	}
	return nil
}

func (db *database) ratchetDecrypt(sessionID []byte, rm *ratchetMessage) ([]byte, error) {
	message := doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: rm.Dh,
			N:  rm.N,
			PN: rm.Pn,
		},
		Ciphertext: rm.Body,
	}
	drSession, err := db.loadRatchet(sessionID)
	if err != nil {
		return nil, fmt.Errorf("cipher: loading ratchet: %w", err)
	}
	return drSession.RatchetDecrypt(message, nil)
}
