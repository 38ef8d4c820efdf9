package delivery

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"

	"github.com/jhj0517/ComfyUI-backend/internal/config"
)

// URLSigner mints access URLs for delivered objects behind a CDN domain.
// When signing is enabled, URLs are time-limited CloudFront signed URLs;
// otherwise they are plain domain URLs.
type URLSigner struct {
	domain string
	expiry time.Duration
	signer *sign.URLSigner
}

func NewURLSigner(cfg config.CloudFrontConfig) (*URLSigner, error) {
	s := &URLSigner{
		domain: cfg.Domain,
		expiry: config.Duration(cfg.URLExpiry, time.Hour),
	}

	if !cfg.SignedURLs {
		return s, nil
	}
	if cfg.KeyPairID == "" || cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("signed urls enabled but key pair id or private key path missing")
	}

	key, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	s.signer = sign.NewURLSigner(cfg.KeyPairID, key)
	return s, nil
}

// URL returns the access URL for an object key.
func (s *URLSigner) URL(key string) (string, error) {
	base := "https://" + s.domain + "/" + key
	if s.signer == nil {
		return base, nil
	}
	return s.signer.Sign(base, time.Now().Add(s.expiry))
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key %s: not PEM", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s: not RSA", path)
	}
	return key, nil
}
