/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package creds is the Credential Oracle: it loads the pre-shared
// (identity, password-hash) database once at startup and answers whether a
// presented password matches a given identity. Verify is pure once the
// record set is loaded; it performs no I/O.
package creds

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/argon2"
)

// MaxCredentialFileSize bounds how much of a credential file we will ever
// decode, the same defensive ceiling the teacher's ingest config readers
// apply to any operator-supplied file (SimpleRelay's MAX_CONFIG_SIZE).
const MaxCredentialFileSize = 2 * 1024 * 1024

// Record is one (identity, password-hash) pair as stored in the credential
// file. Hash is an opaque, self-describing PHC-format string.
type Record struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// Load reads path as a JSON array of Records. Unknown extra fields in each
// object are tolerated by go-json's default decode behavior.
func Load(path string, open func(string) (io.ReadCloser, error)) ([]Record, error) {
	f, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("creds: open %s: %w", path, err)
	}
	defer f.Close()

	lr := &io.LimitedReader{R: f, N: MaxCredentialFileSize + 1}
	dec := json.NewDecoder(lr)
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("creds: decode %s: %w", path, err)
	}
	if lr.N <= 0 {
		return nil, fmt.Errorf("creds: %s exceeds %d byte limit", path, MaxCredentialFileSize)
	}
	return records, nil
}

// VerifyResult is the three-way outcome of checking a password against the
// stored record set, per §4.2. The Session Engine collapses NotMatched and
// BadHash to the same handshake failure.
type VerifyResult int

const (
	Matched VerifyResult = iota
	NotMatched
	BadHash
)

// Verify scans records for the first one matching identity and, if found,
// verifies password against its stored hash. An identity with no matching
// record is NotMatched; a record whose hash string fails to parse is
// BadHash.
func Verify(identity, password string, records []Record) VerifyResult {
	for _, r := range records {
		if r.Key != identity {
			continue
		}
		ok, err := verifyArgon2PHC(r.Hash, password)
		if err != nil {
			return BadHash
		}
		if ok {
			return Matched
		}
		return NotMatched
	}
	return NotMatched
}

// phcParams is the subset of an Argon2 PHC-format hash string boopd needs
// to recompute the same derived key: "$argon2id$v=19$m=...,t=...,p=...$salt$hash".
type phcParams struct {
	variant string
	version int
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	sum     []byte
}

var errMalformedPHC = errors.New("creds: malformed argon2 PHC hash string")

// parsePHC parses the self-describing PHC hash format. The Credential
// Oracle's interface treats the hash as whatever algorithm it
// self-describes; the parser accepts the argon2i/argon2d/argon2id family,
// but only argon2i and argon2id hashes can be verified (an argon2d hash
// verifies as BadHash, see verifyArgon2PHC).
func parsePHC(s string) (phcParams, error) {
	var p phcParams
	fields := strings.Split(s, "$")
	// a well-formed string is: "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	if len(fields) != 6 || fields[0] != `` {
		return p, errMalformedPHC
	}
	p.variant = fields[1]
	switch p.variant {
	case `argon2i`, `argon2d`, `argon2id`:
	default:
		return p, errMalformedPHC
	}

	if !strings.HasPrefix(fields[2], `v=`) {
		return p, errMalformedPHC
	}
	v, err := strconv.Atoi(strings.TrimPrefix(fields[2], `v=`))
	if err != nil {
		return p, errMalformedPHC
	}
	p.version = v

	for _, kv := range strings.Split(fields[3], ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return p, errMalformedPHC
		}
		n, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return p, errMalformedPHC
		}
		switch parts[0] {
		case `m`:
			p.memory = uint32(n)
		case `t`:
			p.time = uint32(n)
		case `p`:
			p.threads = uint8(n)
		default:
			return p, errMalformedPHC
		}
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, errMalformedPHC
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return p, errMalformedPHC
	}
	p.salt = salt

	sum, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return p, errMalformedPHC
	}
	p.sum = sum

	return p, nil
}

// verifyArgon2PHC recomputes the derived key for password using the
// parameters embedded in hash and compares it against the stored sum in
// constant time. err is non-nil only when hash itself cannot be parsed
// (BadHash); a mismatched password is a false return with a nil error.
func verifyArgon2PHC(hash, password string) (bool, error) {
	p, err := parsePHC(hash)
	if err != nil {
		return false, err
	}

	var sum []byte
	switch p.variant {
	case `argon2id`:
		sum = argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.sum)))
	case `argon2i`:
		sum = argon2.Key([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.sum)))
	default:
		// argon2d has no exported primitive in golang.org/x/crypto/argon2;
		// the spec expects argon2id in practice, so this is BadHash rather
		// than a silent mismatch.
		return false, errMalformedPHC
	}

	return subtle.ConstantTimeCompare(sum, p.sum) == 1, nil
}
