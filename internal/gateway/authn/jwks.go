package authn

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// KeySet maps key IDs to RSA public keys from the identity provider.
type KeySet map[string]*rsa.PublicKey

// KeyFetcher retrieves the current key set. Implemented over HTTP in
// production; tests supply a fake.
type KeyFetcher interface {
	Fetch(ctx context.Context) (KeySet, error)
}

// JWKSFetcher fetches a JWKS document from the identity provider.
type JWKSFetcher struct {
	url    string
	client *http.Client
}

// NewJWKSFetcher builds a fetcher for the given JWKS endpoint.
func NewJWKSFetcher(url string) *JWKSFetcher {
	return &JWKSFetcher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Fetch downloads and parses the key set. Keys that are not RSA signing keys
// are skipped rather than failing the whole set.
func (f *JWKSFetcher) Fetch(ctx context.Context) (KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	set := make(KeySet, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaKeyFromJWK(k)
		if err != nil {
			return nil, fmt.Errorf("parse jwks key %s: %w", k.Kid, err)
		}
		set[k.Kid] = pub
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("jwks document contains no usable signing keys")
	}
	return set, nil
}

func rsaKeyFromJWK(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
