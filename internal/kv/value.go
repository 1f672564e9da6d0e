/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kv

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Value is a structured value: arbitrarily nested maps, lists,
// strings, numbers, booleans, nil, byte arrays, and Uint64 counters.
// Typed structs are accepted on write (serialized through their JSON
// form) and read back as nested maps; use Decode to project an entry
// value into a typed struct.
type Value = any

// Uint64 is a 64-bit counter value operated on by AtomicOp.Sum.
type Uint64 uint64

// Wrapper field names distinguishing special values in the serialized
// form from plain JSON objects.
const (
	valueBytesField = "$bytes"
	valueU64Field   = "$u64"
)

// EncodeValue serializes a structured value. Byte slices and Uint64
// counters become wrapper objects; everything else is its JSON form.
func EncodeValue(v Value) ([]byte, error) {
	prepared, err := prepareValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(prepared)
}

func prepareValue(v Value) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return map[string]string{valueBytesField: base64.StdEncoding.EncodeToString(t)}, nil
	case Uint64:
		return map[string]string{valueU64Field: strconv.FormatUint(uint64(t), 10)}, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			p, err := prepareValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			p, err := prepareValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	default:
		// Strings, numbers, booleans, and typed structs pass through
		// to the JSON encoder unchanged.
		return v, nil
	}
}

// DecodeValue parses a serialized value back into its structured form.
func DecodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("kv: decoding value: %w", err)
	}
	return restoreValue(v)
}

func restoreValue(v any) (Value, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[valueBytesField].(string); ok {
				raw, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("kv: invalid bytes value: %w", err)
				}
				return raw, nil
			}
			if s, ok := t[valueU64Field].(string); ok {
				n, err := strconv.ParseUint(s, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("kv: invalid counter value: %w", err)
				}
				return Uint64(n), nil
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := restoreValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := restoreValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("kv: invalid numeric value %q", t.String())
		}
		return f, nil
	default:
		return v, nil
	}
}

// Decode projects a structured value into dst, which must be a
// pointer. It round-trips through JSON, so dst follows the same field
// mapping rules services use when writing typed structs.
func Decode(v Value, dst any) error {
	data, err := EncodeValue(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
