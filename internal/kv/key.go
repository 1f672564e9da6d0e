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
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// PartKind identifies the type of a key part. Kinds order keys across
// types: String < numeric (Int and BigInt form one class ordered by
// value) < Bool < Bytes. This matches PostgreSQL's JSONB scalar order,
// so the relational backend's structured keys sort consistently with
// the embedded backend's binary encoding.
type PartKind uint8

const (
	// PartString is a UTF-8 string part.
	PartString PartKind = iota + 1
	// PartInt is a signed 64-bit integer part.
	PartInt
	// PartBigInt is an arbitrary-precision integer part.
	PartBigInt
	// PartBool is a boolean part.
	PartBool
	// PartBytes is a raw byte array part.
	PartBytes
)

// orderClass maps a kind to its position in the cross-type order.
func (k PartKind) orderClass() int {
	switch k {
	case PartString:
		return 0
	case PartInt, PartBigInt:
		return 1
	case PartBool:
		return 2
	case PartBytes:
		return 3
	default:
		return 4
	}
}

// KeyPart is one element of a composite key.
type KeyPart struct {
	kind PartKind
	str  string
	i64  int64
	big  *big.Int
	b    bool
	raw  []byte
}

// String creates a string key part.
func String(s string) KeyPart { return KeyPart{kind: PartString, str: s} }

// Int creates a signed integer key part.
func Int(i int64) KeyPart { return KeyPart{kind: PartInt, i64: i} }

// BigInt creates a big-integer key part. The value is copied.
func BigInt(v *big.Int) KeyPart { return KeyPart{kind: PartBigInt, big: new(big.Int).Set(v)} }

// Bool creates a boolean key part.
func Bool(b bool) KeyPart { return KeyPart{kind: PartBool, b: b} }

// Bytes creates a raw byte array key part. The slice is copied.
func Bytes(p []byte) KeyPart { return KeyPart{kind: PartBytes, raw: append([]byte(nil), p...)} }

// Kind returns the part's kind.
func (p KeyPart) Kind() PartKind { return p.kind }

// StringValue returns the string payload of a PartString part.
func (p KeyPart) StringValue() string { return p.str }

// IntValue returns the integer payload of a PartInt part.
func (p KeyPart) IntValue() int64 { return p.i64 }

// BigIntValue returns a copy of the payload of a PartBigInt part.
func (p KeyPart) BigIntValue() *big.Int { return new(big.Int).Set(p.big) }

// BoolValue returns the payload of a PartBool part.
func (p KeyPart) BoolValue() bool { return p.b }

// BytesValue returns a copy of the payload of a PartBytes part.
func (p KeyPart) BytesValue() []byte { return append([]byte(nil), p.raw...) }

// numeric returns the part's value as a big.Int for cross-kind
// numeric comparison. Only valid for PartInt and PartBigInt.
func (p KeyPart) numeric() *big.Int {
	if p.kind == PartInt {
		return big.NewInt(p.i64)
	}
	return p.big
}

// Compare orders two parts: first by type class, then by value.
func (p KeyPart) Compare(q KeyPart) int {
	if c := p.kind.orderClass() - q.kind.orderClass(); c != 0 {
		if c < 0 {
			return -1
		}
		return 1
	}
	switch p.kind.orderClass() {
	case 0:
		return strings.Compare(p.str, q.str)
	case 1:
		return p.numeric().Cmp(q.numeric())
	case 2:
		switch {
		case p.b == q.b:
			return 0
		case !p.b:
			return -1
		default:
			return 1
		}
	default:
		return bytes.Compare(p.raw, q.raw)
	}
}

// Equal reports whether two parts have the same class and value.
func (p KeyPart) Equal(q KeyPart) bool { return p.Compare(q) == 0 }

// String renders the part for logs and error messages.
func (p KeyPart) String() string {
	switch p.kind {
	case PartString:
		return strconv.Quote(p.str)
	case PartInt:
		return strconv.FormatInt(p.i64, 10)
	case PartBigInt:
		return p.big.String()
	case PartBool:
		return strconv.FormatBool(p.b)
	case PartBytes:
		return fmt.Sprintf("0x%x", p.raw)
	default:
		return "<invalid>"
	}
}

// Key is an ordered sequence of typed parts.
type Key []KeyPart

// NewKey builds a key from parts.
func NewKey(parts ...KeyPart) Key { return Key(parts) }

// K builds a key from loosely typed Go values: string, int, int64,
// *big.Int, bool, and []byte map to their part kinds. It panics on any
// other type; use NewKey with explicit parts for dynamic input.
func K(parts ...any) Key {
	key := make(Key, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			key = append(key, String(v))
		case int:
			key = append(key, Int(int64(v)))
		case int64:
			key = append(key, Int(v))
		case *big.Int:
			key = append(key, BigInt(v))
		case bool:
			key = append(key, Bool(v))
		case []byte:
			key = append(key, Bytes(v))
		case KeyPart:
			key = append(key, v)
		default:
			panic(fmt.Sprintf("kv: unsupported key part type %T", p))
		}
	}
	return key
}

// Compare orders two keys part by part; a key that is a strict prefix
// of another sorts first.
func (k Key) Compare(other Key) int {
	n := len(k)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if c := k[i].Compare(other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(other):
		return -1
	case len(k) > len(other):
		return 1
	default:
		return 0
	}
}

// Equal reports whether two keys are identical.
func (k Key) Equal(other Key) bool { return k.Compare(other) == 0 }

// HasPrefix reports whether k's leading parts equal prefix's parts.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if !k[i].Equal(prefix[i]) {
			return false
		}
	}
	return true
}

// Append returns a new key with extra parts appended.
func (k Key) Append(parts ...KeyPart) Key {
	out := make(Key, 0, len(k)+len(parts))
	out = append(out, k...)
	return append(out, parts...)
}

// String renders the key for logs: ["users","by_id","42"].
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, p := range k {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// Encoding tags. Tag order must follow the cross-type order so encoded
// keys compare bytewise the way Key.Compare orders them.
const (
	tagString byte = 0x02
	tagNum    byte = 0x03
	tagBool   byte = 0x04
	tagBytes  byte = 0x05

	numZero byte = 0x80
)

// maxNumMagnitude bounds the magnitude length of an encoded integer.
const maxNumMagnitude = 126

// ErrKeyTooComplex is returned when a key part exceeds encoding limits.
var ErrKeyTooComplex = errors.New("kv: key part exceeds encoding limits")

// Encode returns the order-preserving binary form of the key: for all
// keys a, b: bytes.Compare(a.Encode(), b.Encode()) == a.Compare(b).
// Embedded backends store this form directly; the relational backend
// keeps it alongside the structured JSON form for range scans.
func (k Key) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range k {
		switch p.kind {
		case PartString:
			buf.WriteByte(tagString)
			writeEscaped(&buf, []byte(p.str))
		case PartInt, PartBigInt:
			buf.WriteByte(tagNum)
			if err := writeNumeric(&buf, p.numeric()); err != nil {
				return nil, err
			}
		case PartBool:
			buf.WriteByte(tagBool)
			if p.b {
				buf.WriteByte(0x01)
			} else {
				buf.WriteByte(0x00)
			}
		case PartBytes:
			buf.WriteByte(tagBytes)
			writeEscaped(&buf, p.raw)
		default:
			return nil, fmt.Errorf("kv: cannot encode key part kind %d", p.kind)
		}
	}
	return buf.Bytes(), nil
}

// writeEscaped writes data with 0x00 escaped as 0x00 0xFF and a single
// 0x00 terminator. Tag bytes are all below 0xFF, so a terminated value
// sorts before any longer value that extends it.
func writeEscaped(buf *bytes.Buffer, data []byte) {
	for _, b := range data {
		buf.WriteByte(b)
		if b == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
}

// writeNumeric writes a sign-and-length prefixed big-endian magnitude:
// byte0 is 0x80 for zero, 0x80+len for positives, 0x80-len for
// negatives; negative magnitudes are complemented. Bytewise order then
// matches numeric order for all integers up to 126 magnitude bytes.
func writeNumeric(buf *bytes.Buffer, v *big.Int) error {
	sign := v.Sign()
	if sign == 0 {
		buf.WriteByte(numZero)
		return nil
	}
	mag := new(big.Int).Abs(v).Bytes()
	if len(mag) > maxNumMagnitude {
		return ErrKeyTooComplex
	}
	if sign > 0 {
		buf.WriteByte(numZero + byte(len(mag)))
		buf.Write(mag)
		return nil
	}
	buf.WriteByte(numZero - byte(len(mag)))
	for _, b := range mag {
		buf.WriteByte(0xFF - b)
	}
	return nil
}

// DecodeKey parses the binary form produced by Encode.
func DecodeKey(data []byte) (Key, error) {
	var key Key
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]
		switch tag {
		case tagString, tagBytes:
			val, rest, err := readEscaped(data)
			if err != nil {
				return nil, err
			}
			if tag == tagString {
				key = append(key, String(string(val)))
			} else {
				key = append(key, Bytes(val))
			}
			data = rest
		case tagNum:
			v, rest, err := readNumeric(data)
			if err != nil {
				return nil, err
			}
			if v.IsInt64() {
				key = append(key, Int(v.Int64()))
			} else {
				key = append(key, BigInt(v))
			}
			data = rest
		case tagBool:
			if len(data) < 1 {
				return nil, errors.New("kv: truncated bool key part")
			}
			key = append(key, Bool(data[0] == 0x01))
			data = data[1:]
		default:
			return nil, fmt.Errorf("kv: unknown key encoding tag 0x%02x", tag)
		}
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return key, nil
}

func readEscaped(data []byte) (val, rest []byte, err error) {
	var out []byte
	for i := 0; i < len(data); i++ {
		if data[i] != 0x00 {
			out = append(out, data[i])
			continue
		}
		if i+1 < len(data) && data[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, data[i+1:], nil
	}
	return nil, nil, errors.New("kv: unterminated key part")
}

func readNumeric(data []byte) (*big.Int, []byte, error) {
	if len(data) < 1 {
		return nil, nil, errors.New("kv: truncated numeric key part")
	}
	b0 := data[0]
	data = data[1:]
	if b0 == numZero {
		return new(big.Int), data, nil
	}
	if b0 > numZero {
		n := int(b0 - numZero)
		if len(data) < n {
			return nil, nil, errors.New("kv: truncated numeric key part")
		}
		return new(big.Int).SetBytes(data[:n]), data[n:], nil
	}
	n := int(numZero - b0)
	if len(data) < n {
		return nil, nil, errors.New("kv: truncated numeric key part")
	}
	mag := make([]byte, n)
	for i := 0; i < n; i++ {
		mag[i] = 0xFF - data[i]
	}
	v := new(big.Int).SetBytes(mag)
	return v.Neg(v), data[n:], nil
}

// PrefixRange returns the encoded half-open range covering every key
// that strictly extends prefix. The prefix key itself is excluded.
func PrefixRange(prefix Key) (start, end []byte, err error) {
	enc, err := prefix.Encode()
	if err != nil {
		return nil, nil, err
	}
	start = append(append([]byte(nil), enc...), 0x00)
	end = append(append([]byte(nil), enc...), 0xFF)
	return start, end, nil
}

// EncodeCursor serializes the last-yielded key as an opaque token.
func EncodeCursor(k Key) (string, error) {
	enc, err := k.Encode()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(enc), nil
}

// DecodeCursor parses a token produced by EncodeCursor back into the
// encoded key form.
func DecodeCursor(cursor string) ([]byte, error) {
	enc, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if _, err := DecodeKey(enc); err != nil {
		return nil, ErrInvalidCursor
	}
	return enc, nil
}

// JSON structured form. Strings, booleans, and integers within the
// float64-safe range map to bare JSON scalars; larger integers and
// byte arrays use single-field wrapper objects. This is the form the
// relational backend stores in its key_path column.
const (
	jsonBigIntField = "$bigint"
	jsonBytesField  = "$bytes"
)

const maxSafeJSONInt = 1<<53 - 1

// MarshalJSON renders the key as a structured JSON array.
func (k Key) MarshalJSON() ([]byte, error) {
	parts := make([]any, len(k))
	for i, p := range k {
		switch p.kind {
		case PartString:
			parts[i] = p.str
		case PartInt:
			if p.i64 >= -maxSafeJSONInt && p.i64 <= maxSafeJSONInt {
				parts[i] = p.i64
			} else {
				parts[i] = map[string]string{jsonBigIntField: strconv.FormatInt(p.i64, 10)}
			}
		case PartBigInt:
			if p.big.IsInt64() && p.big.Int64() >= -maxSafeJSONInt && p.big.Int64() <= maxSafeJSONInt {
				parts[i] = p.big.Int64()
			} else {
				parts[i] = map[string]string{jsonBigIntField: p.big.String()}
			}
		case PartBool:
			parts[i] = p.b
		case PartBytes:
			parts[i] = map[string]string{jsonBytesField: base64.StdEncoding.EncodeToString(p.raw)}
		default:
			return nil, fmt.Errorf("kv: cannot marshal key part kind %d", p.kind)
		}
	}
	return json.Marshal(parts)
}

// UnmarshalJSON parses the structured JSON array form.
func (k *Key) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("kv: key is not a JSON array: %w", err)
	}
	out := make(Key, 0, len(parts))
	for _, raw := range parts {
		part, err := unmarshalKeyPart(raw)
		if err != nil {
			return err
		}
		out = append(out, part)
	}
	*k = out
	return nil
}

func unmarshalKeyPart(raw json.RawMessage) (KeyPart, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return KeyPart{}, err
	}
	switch t := v.(type) {
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		if b, ok := new(big.Int).SetString(t.String(), 10); ok {
			return BigInt(b), nil
		}
		f, err := t.Float64()
		if err != nil || f != math.Trunc(f) {
			return KeyPart{}, fmt.Errorf("kv: non-integer numeric key part %q", t.String())
		}
		b, _ := big.NewFloat(f).Int(nil)
		return BigInt(b), nil
	case map[string]any:
		if s, ok := t[jsonBigIntField].(string); ok && len(t) == 1 {
			b, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return KeyPart{}, fmt.Errorf("kv: invalid bigint key part %q", s)
			}
			return BigInt(b), nil
		}
		if s, ok := t[jsonBytesField].(string); ok && len(t) == 1 {
			p, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return KeyPart{}, fmt.Errorf("kv: invalid bytes key part: %w", err)
			}
			return Bytes(p), nil
		}
		return KeyPart{}, fmt.Errorf("kv: unrecognized key part object")
	default:
		return KeyPart{}, fmt.Errorf("kv: unsupported key part JSON type %T", v)
	}
}
