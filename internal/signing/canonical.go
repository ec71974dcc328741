// Package signing provides the node-identity signature primitives the
// orchestrator needs: secp256k1 and Ed25519 verification, plus canonical
// JSON encoding for the manifest and attestation signature schemes (spec
// §4.4).
package signing

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanonicalJSON re-marshals an arbitrary JSON document with object keys
// sorted lexicographically at every nesting level, matching the signing
// convention spec §4.4 requires for both manifest and attestation
// signatures ("canonical JSON ... with keys in lexicographic order").
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through an ordered representation. encoding/json
// marshals map[string]any keys in sorted order already, so normalize only
// needs to ensure every nested map is a map[string]any (not some other
// map type) before the final Marshal.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// CanonicalFields builds canonical JSON from an explicit ordered field list,
// used when only a subset of a struct's fields participate in the signature
// (manifest-minus-signature, attestation's first five fields).
func CanonicalFields(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := bytes.NewBufferString("{")
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
