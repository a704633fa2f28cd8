package ssrf

import (
	"net/netip"
	"testing"
)

func TestValidateURLBlocksLiteralIPs(t *testing.T) {
	cases := []struct {
		url  string
		opts Options
		ok   bool
	}{
		{"http://169.254.169.254/latest/meta-data/", Options{}, false},
		{"http://169.254.169.254/", Options{AllowPrivate: true, AllowLocalhost: true}, false},
		{"http://10.0.0.5/", Options{}, false},
		{"http://10.0.0.5/", Options{AllowPrivate: true}, true},
		{"http://172.16.0.1/", Options{}, false},
		{"http://172.32.0.1/", Options{}, true},
		{"http://192.168.1.1/", Options{}, false},
		{"http://127.0.0.1:8080/", Options{}, false},
		{"http://127.0.0.1:8080/", Options{AllowLocalhost: true}, true},
		{"http://224.0.0.1/", Options{AllowPrivate: true, AllowLocalhost: true}, false},
		{"http://[ff02::1]/", Options{AllowPrivate: true, AllowLocalhost: true}, false},
		{"http://100.64.0.1/", Options{}, false},
		{"http://0.0.0.0/", Options{}, false},
		{"https://93.184.216.34/", Options{}, true},
		{"http://[2606:2800:220:1:248:1893:25c8:1946]/", Options{}, true},
	}
	for _, tc := range cases {
		err := ValidateURL(tc.url, tc.opts)
		if tc.ok && err != nil {
			t.Errorf("%s (opts %+v): unexpected block: %v", tc.url, tc.opts, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s (opts %+v): expected block", tc.url, tc.opts)
		}
	}
}

func TestValidateURLBlocksHostnames(t *testing.T) {
	for _, u := range []string{
		"http://localhost/",
		"http://LOCALHOST./",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://router.local/",
		"http://svc.internal/",
	} {
		if err := ValidateURL(u, Options{}); err == nil {
			t.Errorf("%s: expected block", u)
		}
	}

	if err := ValidateURL("http://localhost:3000/", Options{AllowLocalhost: true}); err != nil {
		t.Errorf("localhost with AllowLocalhost: %v", err)
	}
	// Metadata hostname is unconditional.
	if err := ValidateURL("http://metadata.google.internal/", Options{AllowPrivate: true, AllowLocalhost: true}); err == nil {
		t.Error("metadata hostname must stay blocked")
	}
}

func TestValidateURLRejectsSchemes(t *testing.T) {
	for _, u := range []string{"file:///etc/passwd", "ftp://example.com/", "gopher://example.com/"} {
		err := ValidateURL(u, Options{})
		if err == nil {
			t.Errorf("%s: expected rejection", u)
		}
		if _, ok := err.(*BlockedError); !ok {
			t.Errorf("%s: error type %T, want *BlockedError", u, err)
		}
	}
}

func TestCheckAddrMappedIPv4(t *testing.T) {
	// IPv4-mapped IPv6 must be classified as its IPv4 payload.
	addr := netip.MustParseAddr("::ffff:192.168.1.1")
	if err := CheckAddr(addr, Options{}); err == nil {
		t.Error("mapped private IPv4 must be blocked")
	}
	addr = netip.MustParseAddr("::ffff:169.254.169.254")
	if err := CheckAddr(addr, Options{AllowPrivate: true, AllowLocalhost: true}); err == nil {
		t.Error("mapped metadata address must be blocked")
	}
}

func TestCheckAddrPublic(t *testing.T) {
	for _, s := range []string{"8.8.8.8", "1.1.1.1", "2001:4860:4860::8888"} {
		if err := CheckAddr(netip.MustParseAddr(s), Options{}); err != nil {
			t.Errorf("%s: public address blocked: %v", s, err)
		}
	}
}
