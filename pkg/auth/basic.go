// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"encoding/base64"
	"net/url"
)

// Encoder computes the Basic proxy credentials embedded in an upstream
// binding's URL, for injection as a Proxy-Authorization header on CONNECT
// tunnels.
type Encoder struct{}

// NewEncoder constructs an Encoder. It takes no arguments; kept as a
// constructor, rather than using the zero value directly, so call sites
// read the same way regardless of which credential scheme is in use.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Credentials returns the base64("user:pass") string for the given
// userinfo, and ok=false if userinfo is nil or carries no username. The
// password is treated as empty when absent, per the upstream-auth rule.
func (e *Encoder) Credentials(userinfo *url.Userinfo) (creds string, ok bool) {
	if userinfo == nil {
		return "", false
	}
	user := userinfo.Username()
	if user == "" {
		return "", false
	}
	pass, _ := userinfo.Password()
	raw := user + ":" + pass
	return base64.StdEncoding.EncodeToString([]byte(raw)), true
}
