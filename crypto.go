package plenticore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Sizes of the device's cryptographic material.
const (
	derivedKeySize  = sha256.Size
	clientNonceSize = 12
	gcmNonceSize    = 16
	gcmTagSize      = 16
)

// errEnvelopeVerification marks a sealed payload whose authentication
// tag did not verify. The secure channel treats this as a session
// rejection.
var errEnvelopeVerification = errors.New("envelope verification failed")

// deriveKey stretches the user password (or master key) with
// PBKDF2-HMAC-SHA256 using the salt and iteration count announced by
// the device during auth/start. The result feeds the RFC 5802 key
// schedule; a mismatch here shows up as a rejected proof, not as a
// crypto error.
func deriveKey(key string, salt []byte, rounds int) []byte {
	return pbkdf2.Key([]byte(key), salt, rounds, derivedKeySize, sha256.New)
}

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// scramKeys derives the RFC 5802 client, stored and server keys from
// the stretched password.
func scramKeys(saltedKey []byte) (clientKey, storedKey, serverKey []byte) {
	clientKey = hmacSHA256(saltedKey, []byte("Client Key"))
	storedKey = sha256Sum(clientKey)
	serverKey = hmacSHA256(saltedKey, []byte("Server Key"))
	return clientKey, storedKey, serverKey
}

// authMessage renders the RFC 5802 auth message binding user, both
// nonces, salt and round count. Both sides must produce it byte
// identical for the proofs to match.
func authMessage(user string, clientNonce, serverNonce, salt []byte, rounds int) string {
	b64 := base64.StdEncoding.EncodeToString
	return fmt.Sprintf("n=%s,r=%s,r=%s,s=%s,i=%d,c=biws,r=%s",
		user, b64(clientNonce), b64(serverNonce), b64(salt), rounds, b64(serverNonce))
}

// computeProof produces the client proof: clientKey XOR
// HMAC(storedKey, authMessage).
func computeProof(clientKey, storedKey []byte, authMsg string) []byte {
	signature := hmacSHA256(storedKey, []byte(authMsg))
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}
	return proof
}

// serverSignature is the value the device must present in auth/finish
// to prove it also knows the password.
func serverSignature(serverKey []byte, authMsg string) []byte {
	return hmacSHA256(serverKey, []byte(authMsg))
}

// sessionProtocolKey derives the symmetric session key protecting all
// payloads after the handshake. It never travels over the wire.
func sessionProtocolKey(storedKey []byte, authMsg string, clientKey []byte) []byte {
	return hmacSHA256(storedKey, []byte("Session Key"), []byte(authMsg), clientKey)
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return buf, nil
}

// encrypt seals plaintext with AES-256-GCM under key. The nonce is
// drawn from crypto/rand inside this function, so a nonce can never be
// reused under the same key by a caller mistake.
func encrypt(key, plaintext []byte) (nonce, ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = randomBytes(gcmNonceSize)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-gcmTagSize]
	tag = sealed[len(sealed)-gcmTagSize:]
	return nonce, ciphertext, tag, nil
}

// decrypt opens an AES-256-GCM sealed payload. It fails closed: when
// the tag does not verify no plaintext is returned.
func decrypt(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errEnvelopeVerification
	}
	return plaintext, nil
}

// envelope is the JSON framing for payloads sealed under the session
// protocol key. The same shape carries the encrypted token during
// auth/create_session.
type envelope struct {
	IV      string `json:"iv"`
	Tag     string `json:"tag"`
	Payload string `json:"payload"`
}

func sealEnvelope(key, plaintext []byte) (*envelope, error) {
	nonce, ciphertext, tag, err := encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	b64 := base64.StdEncoding.EncodeToString
	return &envelope{IV: b64(nonce), Tag: b64(tag), Payload: b64(ciphertext)}, nil
}

func openEnvelope(key []byte, env *envelope) ([]byte, error) {
	b64 := base64.StdEncoding.DecodeString
	nonce, err := b64(env.IV)
	if err != nil {
		return nil, errEnvelopeVerification
	}
	tag, err := b64(env.Tag)
	if err != nil {
		return nil, errEnvelopeVerification
	}
	ciphertext, err := b64(env.Payload)
	if err != nil {
		return nil, errEnvelopeVerification
	}
	return decrypt(key, nonce, ciphertext, tag)
}

// parseEnvelope reports whether data is an envelope-shaped JSON object.
// Device firmwares answer some endpoints in the clear, so a plain
// response is not an error.
func parseEnvelope(data []byte) (*envelope, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if env.IV == "" || env.Tag == "" || env.Payload == "" {
		return nil, false
	}
	return &env, true
}
