// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net/http"
	"strings"
)

// splitWWWAuthenticate undoes comma-joining of WWW-Authenticate challenge
// values for NTLM/Negotiate, which several HTTP stacks collapse into one
// header line. NTLM and Negotiate challenges are not valid as a single
// comma-separated list (unlike Basic/Digest), so browsers silently fail to
// retry the handshake unless each challenge is its own header line (spec
// §6 httpProxy.ntlm).
func splitWWWAuthenticate(resp *http.Response) {
	values := resp.Header.Values("Www-Authenticate")
	if len(values) == 0 {
		return
	}

	var split []string
	changed := false
	for _, v := range values {
		if strings.Contains(v, ",") && (strings.Contains(v, "NTLM") || strings.Contains(v, "Negotiate")) {
			changed = true
			for _, part := range strings.Split(v, ",") {
				part = strings.TrimSpace(part)
				if part != "" {
					split = append(split, part)
				}
			}
		} else {
			split = append(split, v)
		}
	}
	if !changed {
		return
	}

	resp.Header.Del("Www-Authenticate")
	for _, v := range split {
		resp.Header.Add("Www-Authenticate", v)
	}
}
