package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// sealedKey is the secret half of an identity, stored age-encrypted.
type sealedKey struct {
	Password string `json:"password"`
	KeyDER   []byte `json:"key_der"`
}

// sealer encrypts key material to an scrypt passphrase.
type sealer struct {
	passphrase string
	// workFactor is the scrypt log2 cost; zero keeps the age default.
	workFactor int
}

func (s sealer) seal(id *AgentIdentity) ([]byte, error) {
	if s.passphrase == "" {
		return nil, errors.New("seal identity: empty passphrase")
	}
	keyDER, err := id.PrivateKeyDER()
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	plain, err := json.Marshal(sealedKey{Password: id.Password, KeyDER: keyDER})
	if err != nil {
		return nil, fmt.Errorf("encode sealed key: %w", err)
	}
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("create age recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

func (s sealer) open(sealed []byte) (sealedKey, error) {
	var sk sealedKey
	ident, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return sk, fmt.Errorf("create age identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), ident)
	if err != nil {
		return sk, fmt.Errorf("age decrypt private key: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return sk, fmt.Errorf("age decrypt private key: %w", err)
	}
	if err := json.Unmarshal(plain, &sk); err != nil {
		return sk, fmt.Errorf("decode sealed key: %w", err)
	}
	return sk, nil
}
