// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"net/url"
	"testing"
)

func TestCredentialsEncodesUserAndPass(t *testing.T) {
	enc := NewEncoder()

	creds, ok := enc.Credentials(url.UserPassword("alice", "s3cret"))
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if creds != "YWxpY2U6czNjcmV0" {
		t.Fatalf("got %q, want %q", creds, "YWxpY2U6czNjcmV0")
	}
}

func TestCredentialsNilUserinfo(t *testing.T) {
	enc := NewEncoder()

	_, ok := enc.Credentials(nil)
	if ok {
		t.Fatalf("expected ok=false for nil userinfo")
	}
}

func TestCredentialsEmptyUsername(t *testing.T) {
	enc := NewEncoder()

	_, ok := enc.Credentials(url.User(""))
	if ok {
		t.Fatalf("expected ok=false for empty username")
	}
}

func TestCredentialsUsernameOnly(t *testing.T) {
	enc := NewEncoder()

	creds, ok := enc.Credentials(url.User("bob"))
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if creds != "Ym9iOg==" {
		t.Fatalf("got %q, want %q", creds, "Ym9iOg==")
	}
}
