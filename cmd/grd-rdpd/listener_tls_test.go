package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func selfSignedPair(t *testing.T) (certPEM []byte, keyPEM []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "grd-rdpd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	var certBuf, keyBuf bytes.Buffer
	pem.Encode(&certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	pem.Encode(&keyBuf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certBuf.Bytes(), keyBuf.Bytes()
}

func TestBuildListenerTLSConfigValidPair(t *testing.T) {
	certPEM, keyPEM := selfSignedPair(t)

	cfg, err := buildListenerTLSConfig(certPEM, rdpListenerKeyMaterial(keyPEM))
	if err != nil {
		t.Fatalf("buildListenerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestBuildListenerTLSConfigMismatchedPair(t *testing.T) {
	certPEM, _ := selfSignedPair(t)
	_, otherKeyPEM := selfSignedPair(t)

	if _, err := buildListenerTLSConfig(certPEM, rdpListenerKeyMaterial(otherKeyPEM)); err == nil {
		t.Fatal("expected error for mismatched cert/key pair")
	}
}

func TestRDPListenerKeyMaterialZero(t *testing.T) {
	_, keyPEM := selfSignedPair(t)
	k := rdpListenerKeyMaterial(append([]byte(nil), keyPEM...))

	k.zero()

	for i, b := range k {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, b)
		}
	}
}
