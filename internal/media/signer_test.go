package media

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	s := NewURLSigner([]byte("secret"))
	now := time.Unix(1767225600, 0)

	p := s.UploadPath("up-1", now.Add(15*time.Minute))
	if !strings.HasPrefix(p, "/upload/up-1?") {
		t.Fatalf("path = %s", p)
	}
	u, err := url.Parse(p)
	if err != nil {
		t.Fatalf("parsing path: %v", err)
	}
	q := u.Query()

	if err := s.Verify("up-1", q.Get("exp"), q.Get("sig"), now); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	s := NewURLSigner([]byte("secret"))
	now := time.Unix(1767225600, 0)

	u, _ := url.Parse(s.UploadPath("up-1", now.Add(time.Minute)))
	q := u.Query()
	if err := s.Verify("up-1", q.Get("exp"), q.Get("sig"), now.Add(2*time.Minute)); err == nil {
		t.Error("expired url verified")
	}
}

func TestVerifyTampered(t *testing.T) {
	s := NewURLSigner([]byte("secret"))
	now := time.Unix(1767225600, 0)

	u, _ := url.Parse(s.UploadPath("up-1", now.Add(time.Minute)))
	q := u.Query()

	if err := s.Verify("up-2", q.Get("exp"), q.Get("sig"), now); err == nil {
		t.Error("signature accepted for another upload id")
	}
	if err := s.Verify("up-1", q.Get("exp"), "deadbeef", now); err == nil {
		t.Error("forged signature accepted")
	}
	if err := s.Verify("up-1", "not-a-number", q.Get("sig"), now); err == nil {
		t.Error("malformed expiry accepted")
	}
}
