package cipher

import (
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
)

const sealedSenderVersion = 1

var sealedSenderInfo = []byte("courier sealed sender")

// sealedContent is the inner payload of an unidentified sender envelope. Only the recipient learns who sent it.
type sealedContent struct {
	Sender      []byte        `bencode:"s"`
	Device      uint32        `bencode:"d"`
	Type        envelope.Type `bencode:"t"`
	Content     []byte        `bencode:"c"`
	IdentityKey []byte        `bencode:"ik"`
}

func sealedKey(priv, pub, ephemeralPub []byte) ([]byte, error) {
	shared, err := crypto.DH(priv, pub)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(shared, ephemeralPub, sealedSenderInfo)
}

// seal wraps an identified ciphertext for recipientIdentityKey.
func seal(recipientIdentityKey []byte, sender ids.Address, senderIdentityKey []byte, t envelope.Type, inner []byte) ([]byte, error) {
	eph, err := newDHPair()
	if err != nil {
		return nil, err
	}
	key, err := sealedKey(eph.privateKey[:], recipientIdentityKey, eph.publicKey[:])
	if err != nil {
		return nil, err
	}
	body, err := bencode.Serialize(&sealedContent{
		Sender:      sender.ID[:],
		Device:      sender.Device,
		Type:        t,
		Content:     inner,
		IdentityKey: senderIdentityKey,
	})
	if err != nil {
		return nil, err
	}
	enc, err := crypto.EncryptWithKey(key, body, eph.publicKey[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+32+len(enc))
	out = append(out, sealedSenderVersion)
	out = append(out, eph.publicKey[:]...)
	return append(out, enc...), nil
}

// unseal recovers the identified ciphertext and its claimed sender. The claim is only trustworthy once the inner
// ciphertext has decrypted under that sender's session.
func unseal(localIdentityPriv, payload []byte) (*sealedContent, ids.Address, error) {
	if len(payload) < 1 {
		return nil, ids.Address{}, newError(InvalidMessageStructure, ids.Address{}, fmt.Errorf("empty sealed payload"))
	}
	if payload[0] != sealedSenderVersion {
		return nil, ids.Address{}, newError(InvalidVersion, ids.Address{}, fmt.Errorf("sealed sender version %d", payload[0]))
	}
	if len(payload) < 1+32 {
		return nil, ids.Address{}, newError(InvalidMessageStructure, ids.Address{}, fmt.Errorf("sealed payload too short"))
	}
	ephemeralPub := payload[1:33]
	key, err := sealedKey(localIdentityPriv, ephemeralPub, ephemeralPub)
	if err != nil {
		return nil, ids.Address{}, newError(InvalidMessageStructure, ids.Address{}, err)
	}
	body, err := crypto.DecryptWithKey(key, payload[33:], ephemeralPub)
	if err != nil {
		return nil, ids.Address{}, newError(InvalidMessageStructure, ids.Address{}, err)
	}
	sc := &sealedContent{}
	if err := bencode.Deserialize(body, sc); err != nil {
		return nil, ids.Address{}, newError(InvalidMessageStructure, ids.Address{}, err)
	}
	sender, err := ids.ParseID(sc.Sender)
	if err != nil {
		return nil, ids.Address{}, newError(InvalidMessageStructure, ids.Address{}, err)
	}
	addr := ids.Address{ID: sender, Device: sc.Device}
	if sc.Type != envelope.TypeCiphertext && sc.Type != envelope.TypePrekeyBundle {
		return nil, addr, newError(InvalidMessageStructure, addr, fmt.Errorf("sealed inner type %s", sc.Type))
	}
	return sc, addr, nil
}
