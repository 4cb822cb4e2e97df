// Package codec provides the default implementation of config.Codec: a
// msgpack envelope carrying the caller's value bytes alongside the
// expiry deadline and schema version the host cache framework's own entry
// format assigns them.
//
// Grounded on agentuity-go-common's cache package, which msgpack-encodes
// its cache entries the same way (value + metadata in one envelope,
// (de)serialized with vmihailenco/msgpack) before handing bytes to its
// sqlite backend.
package codec

import "github.com/vmihailenco/msgpack/v5"

// envelope is the wire shape stored in the entries table's value column.
type envelope struct {
	Value     []byte `msgpack:"value"`
	ExpiresAt int64  `msgpack:"expires_at"`
	Version   string `msgpack:"version"`
}

// Msgpack is the reference config.Codec implementation.
type Msgpack struct{}

// Encode msgpack-marshals value together with its expiry and version.
func (Msgpack) Encode(value []byte, expiresAt int64, version string) ([]byte, error) {
	return msgpack.Marshal(envelope{Value: value, ExpiresAt: expiresAt, Version: version})
}

// Decode reverses Encode.
func (Msgpack) Decode(data []byte) (value []byte, expiresAt int64, version string, err error) {
	var e envelope
	if err = msgpack.Unmarshal(data, &e); err != nil {
		return nil, 0, "", err
	}
	return e.Value, e.ExpiresAt, e.Version, nil
}
