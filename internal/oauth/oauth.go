// Package oauth implements the OAuth/HMAC authentication collaborator
// of spec.md §6: given a parsed request and a route, accept or deny,
// verifying the token MD5(app_key || app_secret || time || random) with
// a constant-time comparison, a ±300s clock-skew cap, and an allowed-URL
// list supporting "*" suffix and literal "*".
package oauth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/lamper001/x-server/internal/httpparse"
)

const maxSkew = 300 * time.Second

// Verifier holds the per-app secret and allowed-URL list needed to
// validate requests.
type Verifier struct {
	AppKey      string
	AppSecret   string
	AllowedURLs []string
}

// Verify checks req against v's credentials and allow-list. It returns
// ok=true on success, or ok=false plus an operator-visible reason.
func (v *Verifier) Verify(req *httpparse.Request) (ok bool, reason string) {
	appKey, hasKey := req.Get("oauth-app-key")
	token, hasToken := req.Get("oauth-token")
	ts, hasTime := req.Get("oauth-time")
	random, hasRandom := req.Get("oauth-random")

	if !hasKey || !hasToken || !hasTime || !hasRandom {
		return false, "missing oauth headers"
	}

	if subtle.ConstantTimeCompare([]byte(appKey), []byte(v.AppKey)) != 1 {
		return false, "unknown app key"
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid oauth-time"
	}

	skew := time.Since(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return false, "timestamp skew exceeded"
	}

	expected := expectedToken(appKey, v.AppSecret, ts, random)
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return false, "token mismatch"
	}

	if !v.urlAllowed(req.Path) {
		return false, "url not allowed"
	}

	return true, ""
}

func expectedToken(appKey, appSecret, ts, random string) string {
	sum := md5.Sum([]byte(appKey + appSecret + ts + random))
	return hex.EncodeToString(sum[:])
}

func (v *Verifier) urlAllowed(path string) bool {
	for _, pattern := range v.AllowedURLs {
		if pattern == "*" {
			return true
		}
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if pattern == path {
			return true
		}
	}
	return false
}
