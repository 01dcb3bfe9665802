package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Signature identifies a request for caching and deduplication. Requests with
// the same method, path, query and body have the same signature.
type Signature string

// Short abbreviates the signature for logs.
func (s Signature) Short() string {
	if len(s) <= 12 {
		return string(s)
	}
	return string(s[:12])
}

// SignatureOf computes the signature of a request. The method is compared
// case-insensitively, path and query are NFC-normalised so equivalent Unicode
// spellings collide, query keys are sorted while the order of repeated values
// is kept, and the body contributes its SHA-256 digest.
func SignatureOf(method, path string, query url.Values, body []byte) Signature {
	h := sha256.New()

	writeField(h, strings.ToUpper(method))
	writeField(h, norm.NFC.String(path))

	// merge keys that normalise to the same form in a stable order
	rawKeys := slices.Sorted(maps.Keys(query))
	normalised := make(map[string][]string, len(query))
	for _, k := range rawKeys {
		nk := norm.NFC.String(k)
		for _, v := range query[k] {
			normalised[nk] = append(normalised[nk], norm.NFC.String(v))
		}
	}

	keys := make([]string, 0, len(normalised))
	for k := range normalised {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	writeField(h, strconv.Itoa(len(keys)))
	for _, k := range keys {
		writeField(h, k)
		writeField(h, strconv.Itoa(len(normalised[k])))
		for _, v := range normalised[k] {
			writeField(h, v)
		}
	}

	bodyDigest := sha256.Sum256(body)
	h.Write(bodyDigest[:])

	return Signature(hex.EncodeToString(h.Sum(nil)))
}

// writeField length-prefixes each field so adjacent fields cannot be
// confused with each other ("ab"+"c" differs from "a"+"bc").
func writeField(h hash.Hash, s string) {
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
}
