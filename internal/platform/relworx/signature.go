package relworx

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// SignatureHeader carries "t=<unix-timestamp>,v=<hex-hmac-sha256>".
const SignatureHeader = "Relworx-Signature"

var (
	ErrMalformedSignatureHeader = errors.New("malformed signature header")
	ErrMalformedWebhookBody     = errors.New("webhook body must be a JSON object")
)

// signedPayload is callbackURL + timestamp followed by key+value pairs in
// ascending key order.
func signedPayload(callbackURL, timestamp string, params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(callbackURL)
	b.WriteString(timestamp)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	return []byte(b.String())
}

func Sign(key, callbackURL, timestamp string, params map[string]string) string {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write(signedPayload(callbackURL, timestamp, params))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An empty key, timestamp or
// signature never verifies.
func VerifySignature(key, callbackURL, timestamp, signature string, params map[string]string) bool {
	if key == "" || timestamp == "" || signature == "" {
		return false
	}
	expected := Sign(key, callbackURL, timestamp, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func ParseSignatureHeader(h string) (timestamp, signature string, err error) {
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "t":
			timestamp = strings.TrimSpace(v)
		case "v":
			signature = strings.TrimSpace(v)
		}
	}
	if timestamp == "" || signature == "" {
		return "", "", ErrMalformedSignatureHeader
	}
	return timestamp, signature, nil
}

func FormatSignatureHeader(timestamp, signature string) string {
	return "t=" + timestamp + ",v=" + signature
}

// WebhookParams flattens the top-level scalar fields of a webhook body into
// the map the signature covers. Numbers keep their literal spelling; nested
// values and nulls are not signed.
func WebhookParams(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, ErrMalformedWebhookBody
	}
	params := make(map[string]string, len(body))
	for k, v := range body {
		switch val := v.(type) {
		case string:
			params[k] = val
		case json.Number:
			params[k] = val.String()
		case bool:
			params[k] = strconv.FormatBool(val)
		}
	}
	return params, nil
}
