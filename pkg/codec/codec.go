// Package codec defines the serialization contract used to persist jobs in
// the shared store. Queues accept any Dump/Load pair; the default is JSON.
package codec

import "encoding/json"

// Dump converts a job's generic field map to bytes for storage.
type Dump func(map[string]any) ([]byte, error)

// Load converts stored bytes back into a job's generic field map.
type Load func([]byte) (map[string]any, error)

// Codec bundles a Dump/Load pair. The zero value is invalid; use JSON() for
// the default codec.
type Codec struct {
	Dump Dump
	Load Load
}

// JSON returns the default codec, which round-trips every Job field through
// encoding/json.
func JSON() Codec {
	return Codec{
		Dump: func(v map[string]any) ([]byte, error) {
			return json.Marshal(v)
		},
		Load: func(b []byte) (map[string]any, error) {
			var v map[string]any
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}
