// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func TestStore_SetLookupRemove(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.Has("Example.com"))
	s.Set("Example.COM", &tls.Certificate{})
	assert.True(t, s.Has("example.com"))
	assert.NotNil(t, s.Lookup("example.com"))

	s.Remove("EXAMPLE.com")
	assert.False(t, s.Has("example.com"))
	assert.Nil(t, s.Lookup("example.com"))
}

func TestStore_LoadPEMInstallsCert(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "a")

	s, err := New(nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.LoadPEM("a.test", certPath, keyPath, false))
	cert := s.Lookup("a.test")
	require.NotNil(t, cert)
	assert.NotEmpty(t, cert.Certificate)
}

func TestStore_RenewalTimerClearedOnRemove(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	defer s.Close()

	fired := make(chan struct{}, 1)
	timer := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	s.SetRenewalTimer("example.com", timer)
	s.Remove("example.com")

	select {
	case <-fired:
		t.Fatal("renewal timer fired after Remove; expected it to be stopped")
	case <-time.After(60 * time.Millisecond):
	}
}
