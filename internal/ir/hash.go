package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// The version suffix allows a later algorithm migration.
const (
	DomainEndpoint = "sqlpoint/endpoint/v1"
	DomainSource   = "sqlpoint/source/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data), hex encoded.
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EndpointHash computes the content hash of a compiled endpoint.
//
// The source file path and the Hash field itself are excluded: two files
// with identical text compile to the same hash, and moving a file does not
// count as a change.
func EndpointHash(e *Endpoint) (string, error) {
	params := make(Array, len(e.Params))
	for i, p := range e.Params {
		params[i] = Object{
			"name":     String(p.Name),
			"type":     String(p.Type),
			"position": Int(p.Position),
			"required": Bool(p.Required),
			"source":   String(p.Source),
		}
	}
	obj := Object{
		"ir_version": String(IRVersion),
		"name":       String(e.Name),
		"auth": Object{
			"mode":    String(e.Auth.Mode),
			"seconds": Int(e.Auth.Seconds),
		},
		"returns": String(e.Returns),
		"params":  params,
		"body":    String(e.Body),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EndpointHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEndpoint, canonical), nil
}

// MustEndpointHash is like EndpointHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEndpointHash(e *Endpoint) string {
	h, err := EndpointHash(e)
	if err != nil {
		panic(err)
	}
	return h
}

// SourceHash computes the content hash of raw source text.
func SourceHash(raw []byte) string {
	return hashWithDomain(DomainSource, raw)
}
