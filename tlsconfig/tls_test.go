package tlsconfig

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

func TestClientDefaults(t *testing.T) {
	conf, err := Client("smtp.example.com", Options{})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", conf.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
	assert.False(t, conf.InsecureSkipVerify)
	assert.Nil(t, conf.RootCAs)
}

func TestClientWithCAFile(t *testing.T) {
	path := writeSelfSignedCert(t, t.TempDir())

	conf, err := Client("smtp.example.com", Options{CAFile: path})
	require.NoError(t, err)
	assert.NotNil(t, conf.RootCAs)
}

func TestClientBadCAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("nothing here"), 0o600))

	_, err := Client("smtp.example.com", Options{CAFile: path})
	assert.ErrorIs(t, err, ErrNoCertificates)

	_, err = Client("smtp.example.com", Options{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestModeFromSSL(t *testing.T) {
	assert.Equal(t, Implicit, ModeFromSSL(true))
	assert.Equal(t, StartTLS, ModeFromSSL(false))
	assert.Equal(t, "implicit", Implicit.String())
	assert.Equal(t, "starttls", StartTLS.String())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"STARTTLS": StartTLS, "ssl": Implicit, "implicit": Implicit, "none": None} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("maybe")
	assert.Error(t, err)
}

func writeSelfSignedCert(t *testing.T, dir string) string {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "sheetmail.test",
			Organization: []string{"sheetmail"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}
