package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is RFC1123 with a literal GMT zone, the x-ms-date format.
const DateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

type InvalidKeyError struct {
	Err error
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("workspace key is not valid base64: %v", e.Err)
}

func (e *InvalidKeyError) Unwrap() error {
	return e.Err
}

type Request struct {
	Method        string
	ContentLength int
	ContentType   string
	Date          string
	Resource      string
}

func (r Request) canonical() string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(r.ContentLength))
	b.WriteByte('\n')
	b.WriteString(r.ContentType)
	b.WriteString("\nx-ms-date:")
	b.WriteString(r.Date)
	b.WriteByte('\n')
	b.WriteString(r.Resource)
	return b.String()
}

// SharedKey returns the Authorization header value for the data collector API.
func SharedKey(workspaceID, keyBase64 string, req Request) (string, error) {
	digest, err := hmacBase64(keyBase64, req.canonical())
	if err != nil {
		return "", err
	}
	return "SharedKey " + workspaceID + ":" + digest, nil
}

// Topology signs a registration request; the caller prefixes the workspace id.
func Topology(date, contentHash, keyBase64 string) (string, error) {
	return hmacBase64(keyBase64, date+"\n"+contentHash+"\n")
}

func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func hmacBase64(keyBase64, message string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return "", &InvalidKeyError{Err: err}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
