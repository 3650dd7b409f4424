package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// loadSigningKey reads an ES256 key from a PEM file, or generates an
// ephemeral one when path is empty. Sessions signed with an ephemeral key
// do not survive a restart.
func loadSigningKey(path string) (*ecdsa.PrivateKey, bool, error) {
	if path == "" {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		return key, true, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("reading signing key: %w", err)
	}
	key, err := parseSigningKey(data)
	if err != nil {
		return nil, false, fmt.Errorf("parsing signing key %s: %w", path, err)
	}
	return key, false, nil
}

func parseSigningKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = k
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		k, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", parsed)
		}
		key = k
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, errors.New("signing key must use P-256")
	}
	return key, nil
}
