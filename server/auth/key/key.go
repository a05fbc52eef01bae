package key

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt"
	"github.com/lestrrat-go/jwx/jwk"
)

const KeyID = "safeguard-key-id"

type JWKS struct {
	Keys []interface{} `json:"keys"`
}

type KeyPair struct {
	Kid        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// NewKeyPairFromPEM parses a PEM encoded RSA private key.
func NewKeyPairFromPEM(privateKeyPem []byte) (*KeyPair, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("unable to parse RSA private key: %v", err)
	}

	return newKeyPair(privateKey), nil
}

func NewKeyPairFromRSAPrivateKeyPem(filePath string) (*KeyPair, error) {
	privateKeyBytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return NewKeyPairFromPEM(privateKeyBytes)
}

// GenerateKeyPair creates a throwaway key pair, used when no key is configured.
// Tokens signed with it do not survive a restart.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("unable to generate RSA key: %v", err)
	}

	return newKeyPair(privateKey), nil
}

func newKeyPair(privateKey *rsa.PrivateKey) *KeyPair {
	return &KeyPair{
		Kid:        KeyID,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey}
}

func (keyPair *KeyPair) JWK() (jwk.Key, error) {
	keyPairJWK, err := jwk.New(keyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("JWK: %v", err)
	}
	if err := keyPairJWK.Set(jwk.KeyIDKey, keyPair.Kid); err != nil {
		return nil, fmt.Errorf("JWK: %v", err)
	}
	if err := keyPairJWK.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, fmt.Errorf("JWK: %v", err)
	}

	return keyPairJWK, nil
}

func ExportJWKAsJWKS(jwk jwk.Key) JWKS {
	return JWKS{Keys: []interface{}{jwk}}
}

func PublicKeyFromJWK(key jwk.Key) (*rsa.PublicKey, error) {
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}

	publicKey, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("JWK does not hold an RSA public key: %T", raw)
	}

	return publicKey, nil
}
