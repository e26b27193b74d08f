package backend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Signature headers added to every signed request.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// signingInfo separates the request signing key from any other key
// derived from the same device secret.
const signingInfo = "photo-uploader request signing"

// Signer adds HMAC-SHA256 request signatures for a paired device.
type Signer struct {
	deviceID string
	key      []byte
	now      func() time.Time
	nonce    func() string
}

// NewSigner derives the signing key from the device secret with HKDF.
func NewSigner(deviceID, secret string) (*Signer, error) {
	if deviceID == "" || secret == "" {
		return nil, errors.New("device id and secret are required for signing")
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signingInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}

	return &Signer{
		deviceID: deviceID,
		key:      key,
		now:      time.Now,
		nonce:    uuid.NewString,
	}, nil
}

// CanonicalString is the newline-joined message that gets signed.
// Absent query, content hash and idempotency key are written as "-".
func CanonicalString(method, path, query, timestamp, nonce, deviceID, contentSHA, idempotencyKey string) string {
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		orDash(query),
		timestamp,
		nonce,
		deviceID,
		orDash(contentSHA),
		orDash(idempotencyKey),
	}, "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

// Sign sets the device, timestamp, nonce and signature headers on req.
func (s *Signer) Sign(req *http.Request) {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.nonce()

	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	msg := CanonicalString(req.Method, path, req.URL.RawQuery, ts, nonce, s.deviceID,
		req.Header.Get(HeaderContentSHA256), req.Header.Get(HeaderIdempotencyKey))

	req.Header.Set(HeaderDeviceID, s.deviceID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, s.signature(msg))
}

func (s *Signer) signature(msg string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(msg))

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks req's signature the way the backend does.
func (s *Signer) Verify(req *http.Request) bool {
	msg := CanonicalString(req.Method, req.URL.EscapedPath(), req.URL.RawQuery,
		req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderNonce), req.Header.Get(HeaderDeviceID),
		req.Header.Get(HeaderContentSHA256), req.Header.Get(HeaderIdempotencyKey))

	want, err := hex.DecodeString(req.Header.Get(HeaderSignature))
	if err != nil {
		return false
	}

	got, _ := hex.DecodeString(s.signature(msg))

	return hmac.Equal(got, want)
}

// signingTransport signs a clone of each outgoing request.
type signingTransport struct {
	next   http.RoundTripper
	signer *Signer
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	signed := req.Clone(req.Context())
	t.signer.Sign(signed)

	return t.next.RoundTrip(signed)
}
