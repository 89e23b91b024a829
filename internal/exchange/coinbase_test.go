package exchange

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

func genTestKeyPEM(t *testing.T, pkcs8 bool) (string, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var block *pem.Block
	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshal pkcs8: %v", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	} else {
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatalf("marshal sec1: %v", err)
		}
		block = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	}
	return string(pem.EncodeToMemory(block)), key
}

func newTestCoinbase(t *testing.T, pemData string) *Coinbase {
	t.Helper()
	c, err := NewCoinbase(config.ExchangeConfig{
		Name:          "coinbase",
		QuoteCurrency: "USDC",
		KeyName:       "organizations/test/apiKeys/unit",
		PrivateKey:    pemData,
		Timeout:       5 * time.Second,
		Retry:         config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoinbase failed: %v", err)
	}
	return c
}

func TestCoinbaseParsesBothKeyFormats(t *testing.T) {
	sec1, _ := genTestKeyPEM(t, false)
	newTestCoinbase(t, sec1)

	pkcs8, _ := genTestKeyPEM(t, true)
	newTestCoinbase(t, pkcs8)
}

func TestCoinbaseJWTClaims(t *testing.T) {
	pemData, key := genTestKeyPEM(t, false)
	c := newTestCoinbase(t, pemData)

	signed, err := c.buildJWT("GET", "/api/v3/brokerage/accounts")
	if err != nil {
		t.Fatalf("buildJWT failed: %v", err)
	}

	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("token does not verify against the signing key: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatalf("unexpected claims type %T", token.Claims)
	}

	if claims["iss"] != "cdp" {
		t.Errorf("iss = %v, want cdp", claims["iss"])
	}
	if claims["sub"] != "organizations/test/apiKeys/unit" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if claims["uri"] != "GET api.coinbase.com/api/v3/brokerage/accounts" {
		t.Errorf("uri = %v", claims["uri"])
	}

	nbf, _ := claims["nbf"].(float64)
	exp, _ := claims["exp"].(float64)
	if exp-nbf != 120 {
		t.Errorf("token lifetime = %v seconds, want 120", exp-nbf)
	}

	if token.Header["kid"] != "organizations/test/apiKeys/unit" {
		t.Errorf("kid header = %v", token.Header["kid"])
	}
	if nonce, _ := token.Header["nonce"].(string); nonce == "" {
		t.Errorf("nonce header missing")
	}
}

func TestCoinbaseJWTIsFreshPerRequest(t *testing.T) {
	pemData, _ := genTestKeyPEM(t, false)
	c := newTestCoinbase(t, pemData)

	a, err := c.buildJWT("GET", "/api/v3/brokerage/accounts")
	if err != nil {
		t.Fatalf("buildJWT failed: %v", err)
	}
	b, err := c.buildJWT("GET", "/api/v3/brokerage/accounts")
	if err != nil {
		t.Fatalf("buildJWT failed: %v", err)
	}
	if a == b {
		t.Fatalf("JWT must be regenerated per request, got identical tokens")
	}
}
