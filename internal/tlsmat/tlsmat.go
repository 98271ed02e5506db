/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tlsmat loads the server's TLS certificate and private key from
// disk, generalized from the inline tls.Config block the teacher's
// SimpleRelay listener setup builds for its TLS bind mode into a reusable,
// independently-testable loader.
package tlsmat

import (
	"crypto/tls"
	"fmt"
)

// Load reads a PEM certificate and a PEM/PKCS8 private key from disk and
// returns a server-side *tls.Config requiring no client certificate, per
// §6 ("TLS 1.2 or 1.3 with server certificate, no client certificate
// required"). crypto/tls.LoadX509KeyPair accepts PKCS#1 and PKCS#8 keys
// transparently, so no separate PKCS8 parsing step is needed.
func Load(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsmat: load cert/key: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
