package gwerr

import (
	"strings"
	"testing"

	liberr "github.com/nabbar/golib/errors"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind liberr.CodeError
		want int
	}{
		{KindParseInvalid, 400},
		{KindUnsupportedMethod, 405},
		{KindURITooLong, 414},
		{KindRequestTooLarge, 413},
		{KindAuthFailed, 403},
		{KindRouteNotFound, 404},
		{KindUpstreamDNS, 502},
		{KindUpstreamConnect, 502},
		{KindUpstreamIO, 502},
		{KindUpstreamTimeout, 504},
		{KindRateLimited, 429},
		{KindInternal, 500},
	}

	for _, c := range cases {
		if got := Status(c.kind); got != c.want {
			t.Errorf("Status(%d) = %d; want %d", c.kind, got, c.want)
		}
	}
}

func TestStatusUnknownDefaultsTo500(t *testing.T) {
	if got := Status(0); got != 500 {
		t.Fatalf("Status(0) = %d; want 500", got)
	}
}

func TestResponseBodyNeverLeaksInternals(t *testing.T) {
	body := string(ResponseBody(404))
	if strings.Contains(body, "/etc") || strings.Contains(body, "upstream") {
		t.Fatal("response body should never include filesystem paths or upstream details")
	}
	if !strings.Contains(body, "Not Found") {
		t.Fatalf("expected generic 404 title in body, got: %s", body)
	}
}

func TestResponseBodyDefaultsTo500(t *testing.T) {
	body := string(ResponseBody(999))
	if !strings.Contains(body, "Internal Server Error") {
		t.Fatalf("unknown status should render the 500 page, got: %s", body)
	}
}

func TestNewAndNewfProduceErrors(t *testing.T) {
	if e := New(KindAuthFailed, "token mismatch"); e == nil {
		t.Fatal("New returned nil error")
	}
	if e := Newf(KindInternal, "boom %d", 42); e == nil {
		t.Fatal("Newf returned nil error")
	}
}
