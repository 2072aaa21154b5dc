package service

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKeys is the asymmetric key pair the token authority signs and verifies with
type SigningKeys struct {
	Method  jwt.SigningMethod
	Private crypto.PrivateKey
	Public  crypto.PublicKey
}

// LoadSigningKeys reads a PEM key pair from disk. Any failure here must stop the process.
func LoadSigningKeys(algorithm, privateKeyFile, publicKeyFile string) (*SigningKeys, error) {
	privatePEM, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", privateKeyFile, err)
	}
	publicPEM, err := os.ReadFile(publicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", publicKeyFile, err)
	}
	return ParseSigningKeys(algorithm, privatePEM, publicPEM)
}

// ParseSigningKeys decodes a PEM key pair for algorithm (EdDSA, RS256 or ES256)
func ParseSigningKeys(algorithm string, privatePEM, publicPEM []byte) (*SigningKeys, error) {
	keys := &SigningKeys{}
	var err error

	switch algorithm {
	case "EdDSA":
		keys.Method = jwt.SigningMethodEdDSA
		if keys.Private, err = jwt.ParseEdPrivateKeyFromPEM(privatePEM); err != nil {
			return nil, fmt.Errorf("invalid Ed25519 private key: %w", err)
		}
		if keys.Public, err = jwt.ParseEdPublicKeyFromPEM(publicPEM); err != nil {
			return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
		}
	case "RS256":
		keys.Method = jwt.SigningMethodRS256
		if keys.Private, err = jwt.ParseRSAPrivateKeyFromPEM(privatePEM); err != nil {
			return nil, fmt.Errorf("invalid RSA private key: %w", err)
		}
		if keys.Public, err = jwt.ParseRSAPublicKeyFromPEM(publicPEM); err != nil {
			return nil, fmt.Errorf("invalid RSA public key: %w", err)
		}
	case "ES256":
		keys.Method = jwt.SigningMethodES256
		if keys.Private, err = jwt.ParseECPrivateKeyFromPEM(privatePEM); err != nil {
			return nil, fmt.Errorf("invalid ECDSA private key: %w", err)
		}
		if keys.Public, err = jwt.ParseECPublicKeyFromPEM(publicPEM); err != nil {
			return nil, fmt.Errorf("invalid ECDSA public key: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}

	if err := checkKeyPair(keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// checkKeyPair signs a sample message and verifies it so a mismatched pair fails at startup
func checkKeyPair(keys *SigningKeys) error {
	sample := []byte("auth-guard key check")
	signature, err := keys.Method.Sign(string(sample), keys.Private)
	if err != nil {
		return fmt.Errorf("private key cannot sign with %s: %w", keys.Method.Alg(), err)
	}
	if err := keys.Method.Verify(string(sample), signature, keys.Public); err != nil {
		return fmt.Errorf("public key does not match private key: %w", err)
	}
	return nil
}

// GenerateEd25519PEM creates a fresh Ed25519 pair encoded as PKCS#8 and PKIX PEM blocks
func GenerateEd25519PEM() (privatePEM, publicPEM []byte, err error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding public key: %w", err)
	}

	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	return privatePEM, publicPEM, nil
}
