package websocket

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
)

//	TLSServer is a Server whose listener speaks TLS, configured from a
//	single PEM file holding the certificate chain and the (optionally
//	encrypted) private key.
type TLSServer struct {
	*Server
	tlsConfig *tls.Config
}

func NewTLSServer(pemPath string, password string, forwardHeaderKey string) (s *TLSServer, err error) {
	certificate, err := loadServerCertificate(pemPath, password)
	if err != nil {
		return
	}
	s = &TLSServer{
		Server:    NewServer(forwardHeaderKey),
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{certificate}},
	}
	return
}

func (s *TLSServer) Listen(port uint16) (err error) {
	s.Lock()
	defer s.Unlock()
	var raw net.Listener
	if raw, err = net.Listen("tcp", fmt.Sprintf(":%d", port)); err != nil {
		return
	}
	s.listener = tls.NewListener(raw, s.tlsConfig)
	return
}

func loadServerCertificate(pemPath string, password string) (certificate tls.Certificate, err error) {
	raw, err := os.ReadFile(pemPath)
	if err != nil {
		return
	}
	var keyDER []byte
	var keyType string
	for len(raw) > 0 {
		var block *pem.Block
		if block, raw = pem.Decode(raw); block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certificate.Certificate = append(certificate.Certificate, block.Bytes)
		default:
			keyDER = block.Bytes
			keyType = block.Type
			if x509.IsEncryptedPEMBlock(block) {
				if keyDER, err = x509.DecryptPEMBlock(block, []byte(password)); err != nil {
					return
				}
			}
		}
	}
	if len(certificate.Certificate) == 0 {
		err = fmt.Errorf("%s contains no certificate", pemPath)
		return
	}
	if keyDER == nil {
		err = fmt.Errorf("%s contains no private key", pemPath)
		return
	}
	if certificate.PrivateKey, err = parsePrivateKey(keyDER, keyType); err != nil {
		return
	}
	return
}

func parsePrivateKey(der []byte, keyType string) (key interface{}, err error) {
	switch keyType {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(der)
	default:
		return x509.ParsePKCS8PrivateKey(der)
	}
}
