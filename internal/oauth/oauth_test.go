package oauth

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/lamper001/x-server/internal/httpparse"
)

func validToken(appKey, appSecret, ts, random string) string {
	sum := md5.Sum([]byte(appKey + appSecret + ts + random))
	return hex.EncodeToString(sum[:])
}

func requestWithHeaders(headers map[string]string, path string) *httpparse.Request {
	r := &httpparse.Request{
		Path:          path,
		HeaderByLower: make(map[string]string, len(headers)),
	}
	for k, v := range headers {
		r.HeaderByLower[k] = v
	}
	return r
}

func TestVerifySuccess(t *testing.T) {
	v := &Verifier{AppKey: "key1", AppSecret: "secret1", AllowedURLs: []string{"/api/*"}}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	tok := validToken("key1", "secret1", ts, "rnd")

	req := requestWithHeaders(map[string]string{
		"oauth-app-key": "key1",
		"oauth-token":   tok,
		"oauth-time":    ts,
		"oauth-random":  "rnd",
	}, "/api/widgets")

	ok, reason := v.Verify(req)
	if !ok {
		t.Fatalf("Verify: want ok=true, got reason=%q", reason)
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	v := &Verifier{AppKey: "key1", AppSecret: "secret1", AllowedURLs: []string{"*"}}
	req := requestWithHeaders(map[string]string{"oauth-app-key": "key1"}, "/x")

	ok, reason := v.Verify(req)
	if ok {
		t.Fatal("Verify: want ok=false for missing headers")
	}
	if reason == "" {
		t.Fatal("Verify: want a non-empty reason")
	}
}

func TestVerifyWrongAppKey(t *testing.T) {
	v := &Verifier{AppKey: "key1", AppSecret: "secret1", AllowedURLs: []string{"*"}}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	tok := validToken("wrongkey", "secret1", ts, "rnd")

	req := requestWithHeaders(map[string]string{
		"oauth-app-key": "wrongkey",
		"oauth-token":   tok,
		"oauth-time":    ts,
		"oauth-random":  "rnd",
	}, "/x")

	if ok, _ := v.Verify(req); ok {
		t.Fatal("Verify: want ok=false for unknown app key")
	}
}

func TestVerifyTokenMismatch(t *testing.T) {
	v := &Verifier{AppKey: "key1", AppSecret: "secret1", AllowedURLs: []string{"*"}}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := requestWithHeaders(map[string]string{
		"oauth-app-key": "key1",
		"oauth-token":   "deadbeef",
		"oauth-time":    ts,
		"oauth-random":  "rnd",
	}, "/x")

	if ok, _ := v.Verify(req); ok {
		t.Fatal("Verify: want ok=false for token mismatch")
	}
}

func TestVerifyClockSkewExceeded(t *testing.T) {
	v := &Verifier{AppKey: "key1", AppSecret: "secret1", AllowedURLs: []string{"*"}}
	ts := strconv.FormatInt(time.Now().Add(-1*time.Hour).Unix(), 10)
	tok := validToken("key1", "secret1", ts, "rnd")

	req := requestWithHeaders(map[string]string{
		"oauth-app-key": "key1",
		"oauth-token":   tok,
		"oauth-time":    ts,
		"oauth-random":  "rnd",
	}, "/x")

	ok, reason := v.Verify(req)
	if ok {
		t.Fatal("Verify: want ok=false for clock skew beyond 300s")
	}
	if reason != "timestamp skew exceeded" {
		t.Fatalf("reason = %q; want timestamp skew exceeded", reason)
	}
}

func TestVerifyURLNotAllowed(t *testing.T) {
	v := &Verifier{AppKey: "key1", AppSecret: "secret1", AllowedURLs: []string{"/admin*"}}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	tok := validToken("key1", "secret1", ts, "rnd")

	req := requestWithHeaders(map[string]string{
		"oauth-app-key": "key1",
		"oauth-token":   tok,
		"oauth-time":    ts,
		"oauth-random":  "rnd",
	}, "/public/page")

	ok, reason := v.Verify(req)
	if ok {
		t.Fatal("Verify: want ok=false, path not in allow-list")
	}
	if reason != "url not allowed" {
		t.Fatalf("reason = %q; want url not allowed", reason)
	}
}

func TestURLAllowedWildcardVariants(t *testing.T) {
	v := &Verifier{AllowedURLs: []string{"*"}}
	if !v.urlAllowed("/anything") {
		t.Fatal("literal * should allow any path")
	}

	v2 := &Verifier{AllowedURLs: []string{"/static/*"}}
	if !v2.urlAllowed("/static/img.png") {
		t.Fatal("prefix wildcard should allow matching prefix")
	}
	if v2.urlAllowed("/other") {
		t.Fatal("prefix wildcard should not allow non-matching path")
	}

	v3 := &Verifier{AllowedURLs: []string{"/exact"}}
	if !v3.urlAllowed("/exact") {
		t.Fatal("literal pattern should allow exact match")
	}
	if v3.urlAllowed("/exact/sub") {
		t.Fatal("literal pattern should not allow sub-paths")
	}
}
