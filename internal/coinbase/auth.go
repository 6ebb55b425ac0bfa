package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

const verifyPath = "/users/self/verify"

// Credentials are an Exchange API key. The zero value subscribes anonymously.
type Credentials struct {
	Key        string
	Secret     string // base64, as issued
	Passphrase string
}

func (c Credentials) Enabled() bool { return c.Key != "" && c.Secret != "" }

// sign returns the timestamp and signature fields of an authenticated
// subscribe frame.
func (c Credentials) sign(now time.Time) (timestamp, signature string, err error) {
	secret, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return "", "", fmt.Errorf("decode api secret: %w", err)
	}
	timestamp = strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + "GET" + verifyPath))
	return timestamp, base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`

	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

func newSubscribeRequest(products []string, channel string, creds Credentials, now time.Time) (subscribeRequest, error) {
	req := subscribeRequest{
		Type:       "subscribe",
		ProductIDs: products,
		Channels:   []string{channel},
	}
	if !creds.Enabled() {
		return req, nil
	}
	ts, sig, err := creds.sign(now)
	if err != nil {
		return req, err
	}
	req.Key = creds.Key
	req.Passphrase = creds.Passphrase
	req.Timestamp = ts
	req.Signature = sig
	return req, nil
}
