// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package listener

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeproxy/rprox/internal/certstore"
	"github.com/latticeproxy/rprox/internal/connreg"
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

func freePort(t *testing.T) int {
	t.Helper()
	return 20000 + int(time.Now().UnixNano()%10000)
}

func TestManager_HTTPStartAndShutdown(t *testing.T) {
	conns := connreg.New()
	m := New(conns, nil)

	port := freePort(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	m.AddHTTP(fmt.Sprintf("127.0.0.1:%d", port), handler)

	require.NoError(t, m.Start(context.Background()))
	waitForListener(t, "http", port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}

func TestManager_HTTPSFallsBackToDefaultCert(t *testing.T) {
	dir := t.TempDir()
	defaultCert, defaultKey := writeSelfSignedCert(t, dir, "default")

	store, err := certstore.New(nil)
	require.NoError(t, err)
	defer store.Close()

	conns := connreg.New()
	m := New(conns, nil)

	port := freePort(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	})
	err = m.AddHTTPS(HTTPSConfig{
		Addr: fmt.Sprintf("127.0.0.1:%d", port),
		Cert: defaultCert,
		Key:  defaultKey,
	}, handler, store)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	waitForListener(t, "https", port)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}

func TestSplitPEMCertificates(t *testing.T) {
	dir := t.TempDir()
	cert1, _ := writeSelfSignedCert(t, dir, "one")
	cert2, _ := writeSelfSignedCert(t, dir, "two")

	data1, err := os.ReadFile(cert1)
	require.NoError(t, err)
	data2, err := os.ReadFile(cert2)
	require.NoError(t, err)

	bundle := string(data1) + string(data2)
	blocks := splitPEMCertificates(bundle)
	assert.Len(t, blocks, 2)
}

func waitForListener(t *testing.T, scheme string, port int) {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	url := fmt.Sprintf("%s://127.0.0.1:%d/__probe", scheme, port)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := client.Get(url); err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
