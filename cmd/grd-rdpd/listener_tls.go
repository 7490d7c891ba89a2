package main

import (
	"crypto/tls"
	"fmt"
)

// rdpListenerKeyMaterial holds the RDP listener's private key PEM bytes
// for just as long as it takes to build the TLS config, then overwrites
// them in place. Go's GC may already have copied the backing array
// elsewhere by the time zero runs, so this is defense-in-depth only,
// not a guarantee — the daemon never treats a soft wipe as a substitute
// for the credentials façade's own hard failure modes (§4.9, §7).
type rdpListenerKeyMaterial []byte

func (k rdpListenerKeyMaterial) zero() {
	for i := range k {
		k[i] = 0
	}
}

// buildListenerTLSConfig parses the PEM-encoded certificate/key pair the
// daemon terminates its RDP Graphics Pipeline listener with. Unlike an
// outbound mTLS client (which tracks a peer cert's issued/expiry window
// and renews ahead of a control plane), this daemon's listener cert is
// operator-provisioned and simply reloaded from disk at startup — there
// is no renewal clock to model, so only the minimal key-pair-to-tls.Config
// step survives.
func buildListenerTLSConfig(certPEM []byte, keyPEM rdpListenerKeyMaterial) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse RDP listener TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
