package cipher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"go.uber.org/zap"
)

// CiphertextVersion leads every ratchet payload.
const CiphertextVersion = 3

var agreementInfo = []byte("courier x3dh")

var ErrNotInitialized = errors.New("cipher: local identity not initialized")

// prekeyMessage carries what the responder needs to start its side of a session along with the first ratchet
// message. The initiator keeps sending it until the responder replies.
type prekeyMessage struct {
	IdentityKey  []byte `bencode:"ik"`
	EphemeralKey []byte `bencode:"ek"`
	PrekeyID     uint32 `bencode:"pk"`
	Message      []byte `bencode:"m"`
}

type Manager struct {
	log     *zap.SugaredLogger
	config  *config.Config
	db      *database
	clock   clock.Clock
	fetcher PrekeyFetcher
	local   ids.Address
	ready   atomic.Bool
}

// NewManager migrates the cipher tables. It expects the database lock to be held by the caller.
func NewManager(c *config.Config, d *db.Database, cl clock.Clock, fetcher PrekeyFetcher) (*Manager, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		log:     c.Logger("cipher"),
		config:  c,
		db:      database,
		clock:   cl,
		fetcher: fetcher,
		local:   c.LocalAddress(),
	}
	if err := d.RunTx("cipher load identity", &sql.TxOptions{ReadOnly: true}, func() error {
		li, err := database.localIdentity()
		if err != nil {
			return err
		}
		m.ready.Store(li != nil)
		return nil
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Ready is true once local identity key material exists.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Initialize creates the local identity and a first batch of prekeys. The returned upload is nil when the identity
// already existed.
func (m *Manager) Initialize() (*PrekeyUpload, error) {
	var upload *PrekeyUpload
	if err := m.db.Run("cipher initialize", func() error {
		li, err := m.db.localIdentity()
		if err != nil {
			return err
		}
		if li != nil {
			return nil
		}
		pair, err := newDHPair()
		if err != nil {
			return err
		}
		if err := m.db.insertLocalIdentity(&localIdentity{PublicKey: pair.publicKey[:], PrivateKey: pair.privateKey[:]}); err != nil {
			return err
		}
		upload, err = m.GeneratePrekeys(m.config.PrekeyBatchSize)
		return err
	}); err != nil {
		return nil, err
	}
	m.ready.Store(true)
	m.log.Infof("initialized identity for %s", m.local)
	return upload, nil
}

func sessionID(addr ids.Address) []byte {
	id := make([]byte, 0, 20)
	id = append(id, addr.ID[:]...)
	return binary.BigEndian.AppendUint32(id, addr.Device)
}

// agree derives a session secret from private/public key pairs.
func agree(exchanges ...[2][]byte) ([]byte, error) {
	parts := make([][]byte, 0, len(exchanges))
	for _, e := range exchanges {
		shared, err := crypto.DH(e[0], e[1])
		if err != nil {
			return nil, err
		}
		parts = append(parts, shared)
	}
	return crypto.DeriveKey(bytes.Join(parts, nil), nil, agreementInfo)
}

// Decrypt must be called inside an open transaction.
func (m *Manager) Decrypt(env *envelope.Envelope) (*Plaintext, error) {
	if len(env.LegacyMessage) != 0 {
		return nil, newError(LegacyMessage, env.Sender(), errors.New("legacy message field"))
	}
	switch env.Type {
	case envelope.TypePlaintextContent, envelope.TypeSystemCommand:
		p := &Plaintext{Body: env.Content}
		if env.Source != nil {
			source := *env.Source
			p.Sender = &source
			p.SenderDevice = env.SourceDevice
		}
		return p, nil
	case envelope.TypeCiphertext, envelope.TypePrekeyBundle:
		if !env.HasSource() {
			return nil, newError(InvalidMessageStructure, ids.Address{}, errors.New("identified ciphertext without source"))
		}
		sender := env.Sender()
		if sender == m.local {
			return nil, newError(SelfSend, sender, nil)
		}
		body, err := m.decryptIdentified(sender, env.Type, env.Content, nil)
		if err != nil {
			return nil, err
		}
		return &Plaintext{Body: body, Sender: &sender.ID, SenderDevice: sender.Device, PrekeyMessage: env.Type == envelope.TypePrekeyBundle}, nil
	case envelope.TypeUnidentifiedSender:
		li, err := m.db.localIdentity()
		if err != nil {
			return nil, err
		}
		if li == nil {
			return nil, ErrNotInitialized
		}
		sc, sender, err := unseal(li.PrivateKey, env.Content)
		if err != nil {
			return nil, err
		}
		if sender == m.local {
			return nil, newError(SelfSend, sender, nil)
		}
		body, err := m.decryptIdentified(sender, sc.Type, sc.Content, sc.IdentityKey)
		if err != nil {
			return nil, err
		}
		return &Plaintext{
			Body:          body,
			Sender:        &sender.ID,
			SenderDevice:  sender.Device,
			Unidentified:  true,
			PrekeyMessage: sc.Type == envelope.TypePrekeyBundle,
		}, nil
	default:
		return nil, newError(InvalidMessageStructure, env.Sender(), fmt.Errorf("cannot decrypt %s envelope", env.Type))
	}
}

// decryptIdentified runs under a savepoint so a failed decrypt leaves no trace in the caller's transaction.
func (m *Manager) decryptIdentified(sender ids.Address, t envelope.Type, payload, claimedIdentityKey []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, newError(InvalidMessageStructure, sender, errors.New("empty payload"))
	}
	if payload[0] < CiphertextVersion {
		return nil, newError(LegacyMessage, sender, fmt.Errorf("version %d", payload[0]))
	}
	if payload[0] > CiphertextVersion {
		return nil, newError(InvalidVersion, sender, fmt.Errorf("version %d", payload[0]))
	}

	h := sha256.New()
	h.Write(sessionID(sender))
	h.Write(payload)
	digest := h.Sum(nil)
	seen, err := m.db.received(digest)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, newError(DuplicateMessage, sender, nil)
	}

	if _, err := m.db.Tx.Exec("SAVEPOINT cipher_decrypt"); err != nil {
		return nil, fmt.Errorf("cipher: savepoint: %w", err)
	}
	var body []byte
	switch t {
	case envelope.TypePrekeyBundle:
		body, err = m.decryptPrekey(sender, payload[1:], claimedIdentityKey)
	default:
		body, err = m.decryptWhisper(sender, payload[1:], claimedIdentityKey)
	}
	if err == nil {
		err = m.db.insertReceived(digest, m.clock.CurrentTimeMs())
	}
	if err != nil {
		if _, rerr := m.db.Tx.Exec("ROLLBACK TO cipher_decrypt"); rerr != nil {
			m.log.Warnf("error rolling back to savepoint: %s", rerr)
		}
	}
	if _, rerr := m.db.Tx.Exec("RELEASE cipher_decrypt"); rerr != nil && err == nil {
		return nil, fmt.Errorf("cipher: release savepoint: %w", rerr)
	}
	return body, err
}

func (m *Manager) checkIdentity(addr ids.Address, key []byte) error {
	ri, err := m.db.remoteIdentity(addr.ID)
	if err != nil {
		return err
	}
	if ri == nil {
		return m.db.upsertRemoteIdentity(&remoteIdentity{IdentityID: addr.ID[:], IdentityKey: key, CtimeMs: m.clock.CurrentTimeMs()})
	}
	if !bytes.Equal(ri.IdentityKey, key) {
		return &Error{Kind: UntrustedIdentity, Sender: addr, NewKey: key}
	}
	return nil
}

func (m *Manager) decryptPrekey(sender ids.Address, b, claimedIdentityKey []byte) ([]byte, error) {
	pm := &prekeyMessage{}
	if err := bencode.Deserialize(b, pm); err != nil {
		return nil, newError(InvalidMessageStructure, sender, err)
	}
	if len(pm.IdentityKey) != 32 || len(pm.EphemeralKey) != 32 {
		return nil, newError(InvalidMessageStructure, sender, errors.New("bad key length in prekey message"))
	}
	if claimedIdentityKey != nil && !bytes.Equal(claimedIdentityKey, pm.IdentityKey) {
		return nil, newError(InvalidMessageStructure, sender, errors.New("sealed identity does not match prekey message"))
	}
	if err := m.checkIdentity(sender, pm.IdentityKey); err != nil {
		return nil, err
	}
	rm := &ratchetMessage{}
	if err := bencode.Deserialize(pm.Message, rm); err != nil {
		return nil, newError(InvalidMessageStructure, sender, err)
	}
	if err := rm.validate(); err != nil {
		return nil, newError(InvalidMessageStructure, sender, err)
	}

	s, err := m.db.session(sender)
	if err != nil {
		return nil, err
	}
	if s == nil || !bytes.Equal(s.BaseKey, pm.EphemeralKey) {
		pk, err := m.db.prekey(pm.PrekeyID)
		if err != nil {
			return nil, err
		}
		if pk == nil {
			return nil, newError(InvalidMessageStructure, sender, fmt.Errorf("unknown prekey %d", pm.PrekeyID))
		}
		li, err := m.db.localIdentity()
		if err != nil {
			return nil, err
		}
		if li == nil {
			return nil, ErrNotInitialized
		}
		secret, err := agree(
			[2][]byte{pk.PrivateKey, pm.IdentityKey},
			[2][]byte{li.PrivateKey, pm.EphemeralKey},
			[2][]byte{pk.PrivateKey, pm.EphemeralKey},
		)
		if err != nil {
			return nil, newError(InvalidMessageStructure, sender, err)
		}
		sid := sessionID(sender)
		if err := m.db.deleteSession(sid); err != nil {
			return nil, err
		}
		pair, err := dhPairFromPrivate(pk.PrivateKey)
		if err != nil {
			return nil, err
		}
		if err := m.db.newResponderRatchet(sid, secret, pair); err != nil {
			return nil, err
		}
		s = &session{IdentityID: sender.ID[:], Device: sender.Device, ID: sid, BaseKey: pm.EphemeralKey, CtimeMs: m.clock.CurrentTimeMs()}
		if err := m.db.upsertSession(s); err != nil {
			return nil, err
		}
		if err := m.db.deletePrekey(pk.ID); err != nil {
			return nil, err
		}
		m.log.Debugf("started session with %s from prekey %d", sender, pk.ID)
	}

	body, err := m.db.ratchetDecrypt(s.ID, rm)
	if err != nil {
		return nil, newError(InvalidMessageStructure, sender, err)
	}
	return body, nil
}

func (m *Manager) decryptWhisper(sender ids.Address, b, claimedIdentityKey []byte) ([]byte, error) {
	if claimedIdentityKey != nil {
		ri, err := m.db.remoteIdentity(sender.ID)
		if err != nil {
			return nil, err
		}
		if ri != nil && !bytes.Equal(ri.IdentityKey, claimedIdentityKey) {
			return nil, &Error{Kind: UntrustedIdentity, Sender: sender, NewKey: claimedIdentityKey}
		}
	}
	s, err := m.db.session(sender)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, newError(NoSession, sender, nil)
	}
	rm := &ratchetMessage{}
	if err := bencode.Deserialize(b, rm); err != nil {
		return nil, newError(InvalidMessageStructure, sender, err)
	}
	if err := rm.validate(); err != nil {
		return nil, newError(InvalidMessageStructure, sender, err)
	}
	body, err := m.db.ratchetDecrypt(s.ID, rm)
	if err != nil {
		return nil, newError(InvalidMessageStructure, sender, err)
	}
	// the remote side has our session, so it no longer needs the prekey header
	if err := m.db.deletePendingPrekey(s.ID); err != nil {
		return nil, err
	}
	return body, nil
}

// Encrypt produces an envelope for a single device. When no session exists a prekey bundle is fetched first, outside
// the database lock.
func (m *Manager) Encrypt(ctx context.Context, to ids.Address, plaintext []byte, opts EncryptOptions) (*envelope.Envelope, error) {
	if to == m.local {
		return nil, newError(SelfSend, to, nil)
	}
	var has bool
	if err := m.db.Run("cipher session lookup", func() error {
		var err error
		has, err = m.HasSession(to)
		return err
	}); err != nil {
		return nil, err
	}

	var bundle *PrekeyBundle
	if !has {
		bundles, err := m.fetcher.FetchPrekeys(ctx, to.ID, to.Device)
		if err != nil {
			return nil, fmt.Errorf("cipher: fetching prekeys for %s: %w", to, err)
		}
		for _, b := range bundles {
			if b.Device == to.Device {
				bundle = b
				break
			}
		}
		if bundle == nil {
			return nil, fmt.Errorf("cipher: no prekey bundle for %s", to)
		}
	}

	var env *envelope.Envelope
	if err := m.db.Run("cipher encrypt", func() error {
		li, err := m.db.localIdentity()
		if err != nil {
			return err
		}
		if li == nil {
			return ErrNotInitialized
		}
		s, err := m.db.session(to)
		if err != nil {
			return err
		}
		if s == nil {
			if bundle == nil {
				return fmt.Errorf("cipher: session with %s disappeared during encrypt", to)
			}
			if s, err = m.initiate(li, to, bundle); err != nil {
				return err
			}
		}

		rm, err := m.db.ratchetEncrypt(s.ID, plaintext)
		if err != nil {
			return err
		}
		rmBytes, err := bencode.Serialize(rm)
		if err != nil {
			return err
		}
		t := envelope.TypeCiphertext
		body := rmBytes
		pp, err := m.db.pendingPrekey(s.ID)
		if err != nil {
			return err
		}
		if pp != nil {
			t = envelope.TypePrekeyBundle
			if body, err = bencode.Serialize(&prekeyMessage{
				IdentityKey:  li.PublicKey,
				EphemeralKey: pp.EphemeralKey,
				PrekeyID:     pp.PrekeyID,
				Message:      rmBytes,
			}); err != nil {
				return err
			}
		}
		payload := append([]byte{CiphertextVersion}, body...)

		if opts.Sealed {
			ri, err := m.db.remoteIdentity(to.ID)
			if err != nil {
				return err
			}
			if ri == nil {
				return fmt.Errorf("cipher: no identity key for %s", to.ID)
			}
			sealed, err := seal(ri.IdentityKey, m.local, li.PublicKey, t, payload)
			if err != nil {
				return err
			}
			env = &envelope.Envelope{Type: envelope.TypeUnidentifiedSender, Timestamp: opts.Timestamp, Content: sealed}
			return nil
		}
		source := m.local.ID
		env = &envelope.Envelope{
			Type:         t,
			Source:       &source,
			SourceDevice: m.local.Device,
			Timestamp:    opts.Timestamp,
			Content:      payload,
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return env, nil
}

func (m *Manager) initiate(li *localIdentity, to ids.Address, bundle *PrekeyBundle) (*session, error) {
	if len(bundle.IdentityKey) != 32 || len(bundle.Prekey) != 32 {
		return nil, fmt.Errorf("cipher: malformed prekey bundle for %s", to)
	}
	if err := m.checkIdentity(to, bundle.IdentityKey); err != nil {
		return nil, err
	}
	eph, err := newDHPair()
	if err != nil {
		return nil, err
	}
	secret, err := agree(
		[2][]byte{li.PrivateKey, bundle.Prekey},
		[2][]byte{eph.privateKey[:], bundle.IdentityKey},
		[2][]byte{eph.privateKey[:], bundle.Prekey},
	)
	if err != nil {
		return nil, err
	}
	sid := sessionID(to)
	if err := m.db.deleteSession(sid); err != nil {
		return nil, err
	}
	if err := m.db.newInitiatorRatchet(sid, secret, bundle.Prekey); err != nil {
		return nil, err
	}
	s := &session{IdentityID: to.ID[:], Device: to.Device, ID: sid, BaseKey: eph.publicKey[:], CtimeMs: m.clock.CurrentTimeMs()}
	if err := m.db.upsertSession(s); err != nil {
		return nil, err
	}
	if err := m.db.upsertPendingPrekey(&pendingPrekey{SessionID: sid, EphemeralKey: eph.publicKey[:], PrekeyID: bundle.PrekeyID}); err != nil {
		return nil, err
	}
	m.log.Debugf("initiated session with %s using prekey %d", to, bundle.PrekeyID)
	return s, nil
}

func (m *Manager) HasSession(addr ids.Address) (bool, error) {
	s, err := m.db.session(addr)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

func (m *Manager) DeleteSession(addr ids.Address) error {
	s, err := m.db.session(addr)
	if err != nil || s == nil {
		return err
	}
	m.log.Debugf("deleting session with %s", addr)
	return m.db.deleteSession(s.ID)
}

// Devices lists the devices of id this side holds a session with.
func (m *Manager) Devices(id ids.ID) ([]uint32, error) {
	return m.db.sessionDevices(id)
}

// ProcessBundles starts sessions from prekey bundles fetched by the caller, skipping devices that already have one.
func (m *Manager) ProcessBundles(id ids.ID, bundles []*PrekeyBundle) error {
	li, err := m.db.localIdentity()
	if err != nil {
		return err
	}
	if li == nil {
		return ErrNotInitialized
	}
	for _, b := range bundles {
		addr := ids.Address{ID: id, Device: b.Device}
		has, err := m.HasSession(addr)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := m.initiate(li, addr, b); err != nil {
			return err
		}
	}
	return nil
}

// IdentityKey returns the stored identity key of id, or nil when none has been seen.
func (m *Manager) IdentityKey(id ids.ID) ([]byte, error) {
	ri, err := m.db.remoteIdentity(id)
	if err != nil || ri == nil {
		return nil, err
	}
	return ri.IdentityKey, nil
}

// TrustIdentity accepts key as the identity of id. Existing sessions with id are dropped.
func (m *Manager) TrustIdentity(id ids.ID, key []byte) error {
	if err := m.db.upsertRemoteIdentity(&remoteIdentity{IdentityID: id[:], IdentityKey: key, CtimeMs: m.clock.CurrentTimeMs()}); err != nil {
		return err
	}
	return m.db.deleteSessionsForIdentity(id)
}

func (m *Manager) PrekeyCount() (int, error) {
	return m.db.prekeyCount()
}

// GeneratePrekeys stores n fresh one-time prekeys and returns their public halves for upload.
func (m *Manager) GeneratePrekeys(n int) (*PrekeyUpload, error) {
	li, err := m.db.localIdentity()
	if err != nil {
		return nil, err
	}
	if li == nil {
		return nil, ErrNotInitialized
	}
	next, err := m.db.maxPrekeyID()
	if err != nil {
		return nil, err
	}
	upload := &PrekeyUpload{IdentityKey: li.PublicKey}
	for i := 0; i < n; i++ {
		next++
		pair, err := newDHPair()
		if err != nil {
			return nil, err
		}
		if err := m.db.insertPrekey(&prekey{ID: next, PublicKey: pair.publicKey[:], PrivateKey: pair.privateKey[:]}); err != nil {
			return nil, err
		}
		upload.Prekeys = append(upload.Prekeys, PublicPrekey{ID: next, Key: pair.publicKey[:]})
	}
	return upload, nil
}

// PruneReceived forgets duplicate-detection digests recorded before beforeMs.
func (m *Manager) PruneReceived(beforeMs uint64) error {
	n, err := m.db.pruneReceived(beforeMs)
	if err != nil {
		return err
	}
	if n != 0 {
		m.log.Debugf("pruned %d received digests", n)
	}
	return nil
}
