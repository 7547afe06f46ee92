// Package certs holds the coordinator's private certificate authority. The
// enrollment plane signs client CSRs with it and the control plane verifies
// client certificates against it.
package certs

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
	"time"

	"github.com/RavinduMendis/R25-039/shared/fileutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "certs")

// ClientCertValidity is how long a signed client certificate remains valid.
const ClientCertValidity = 365 * 24 * time.Hour

const (
	caCertFile     = "ca.crt"
	caKeyFile      = "ca.key"
	serverCertFile = "server.crt"
	serverKeyFile  = "server.key"
)

// Authority signs client certificate requests and terminates mTLS.
type Authority struct {
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	caCertPEM  []byte
	serverCert tls.Certificate
}

// LoadAuthority reads the CA and server key pairs from dir. All four files
// (ca.crt, ca.key, server.crt, server.key) must exist; Initialize creates
// them on first run.
func LoadAuthority(dir string) (*Authority, error) {
	caCertPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, errors.Wrap(err, "could not read CA certificate")
	}
	caKeyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, errors.Wrap(err, "could not read CA key")
	}
	caCert, err := parseCertPEM(caCertPEM)
	if err != nil {
		return nil, err
	}
	caKey, err := parseKeyPEM(caKeyPEM)
	if err != nil {
		return nil, err
	}
	serverCert, err := tls.LoadX509KeyPair(filepath.Join(dir, serverCertFile), filepath.Join(dir, serverKeyFile))
	if err != nil {
		return nil, errors.Wrap(err, "could not load server key pair")
	}
	return &Authority{
		caCert:     caCert,
		caKey:      caKey,
		caCertPEM:  caCertPEM,
		serverCert: serverCert,
	}, nil
}

// Initialize creates a fresh CA and a server certificate under dir if none
// exist yet, then loads the authority. Existing material is never replaced.
func Initialize(dir string, serverHosts []string) (*Authority, error) {
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, err
	}
	if !fileutil.FileExists(filepath.Join(dir, caCertFile)) {
		log.WithField("dir", dir).Info("Generating certificate authority")
		if err := generateAuthority(dir, serverHosts); err != nil {
			return nil, err
		}
	}
	return LoadAuthority(dir)
}

// CACertPEM returns the CA certificate in PEM form, handed to clients at
// enrollment so they can verify the control plane.
func (a *Authority) CACertPEM() []byte {
	out := make([]byte, len(a.caCertPEM))
	copy(out, a.caCertPEM)
	return out
}

// SignCSR validates a PEM encoded certificate request and signs it for the
// given client identity. The request's common name must match clientID and
// its self-signature must verify.
func (a *Authority) SignCSR(csrPEM []byte, clientID string) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("payload is not a PEM certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse certificate request")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "certificate request signature is invalid")
	}
	if csr.Subject.CommonName != clientID {
		return nil, errors.Errorf("certificate request common name %q does not match client id %q", csr.Subject.CommonName, clientID)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(ClientCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
		DNSNames:              []string{clientID, "localhost"},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, a.caCert, csr.PublicKey, a.caKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign certificate")
	}
	log.WithFields(logrus.Fields{
		"clientID": clientID,
		"expires":  tpl.NotAfter.Format(time.RFC3339),
	}).Info("Signed client certificate")
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// ServerTLSConfig returns the control plane TLS configuration. Client
// certificates are required and must chain to the authority's CA.
func (a *Authority) ServerTLSConfig() (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(a.caCertPEM) {
		return nil, errors.New("could not add CA certificate to pool")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{a.serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func generateAuthority(dir string, serverHosts []string) error {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.Wrap(err, "could not generate CA key")
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	now := time.Now()
	caTpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "FL Coordinator CA"},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caKey.PublicKey, caKey)
	if err != nil {
		return errors.Wrap(err, "could not self-sign CA certificate")
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}

	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.Wrap(err, "could not generate server key")
	}
	serial, err = randomSerial()
	if err != nil {
		return err
	}
	hosts := serverHosts
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	srvTpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              hosts,
		BasicConstraintsValid: true,
	}
	srvDER, err := x509.CreateCertificate(rand.Reader, srvTpl, caCert, &srvKey.PublicKey, caKey)
	if err != nil {
		return errors.Wrap(err, "could not sign server certificate")
	}

	files := map[string][]byte{
		caCertFile:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		serverCertFile: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srvDER}),
	}
	caKeyDER, err := x509.MarshalECPrivateKey(caKey)
	if err != nil {
		return errors.Wrap(err, "could not marshal CA key")
	}
	files[caKeyFile] = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: caKeyDER})
	srvKeyDER, err := x509.MarshalECPrivateKey(srvKey)
	if err != nil {
		return errors.Wrap(err, "could not marshal server key")
	}
	files[serverKeyFile] = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: srvKeyDER})

	for name, data := range files {
		if err := fileutil.WriteFileAtomic(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	return nil
}

// NewClientCSR builds a key pair and a certificate request for clientID.
// Used by tests and by the client enrollment helper.
func NewClientCSR(clientID string) (csrPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not generate client key")
	}
	tpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: clientID},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tpl, key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not create certificate request")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return csrPEM, keyPEM, nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("not a PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, errors.New("not a PEM EC private key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate serial number")
	}
	return serial, nil
}
