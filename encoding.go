package kvbind

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding is the serialization used for values stored with PutValue and
// read back with the Decode read option.
type Encoding int

const (
	MsgPack Encoding = iota
	CBOR
	JSON

	defaultValueEncoding = MsgPack
)

var (
	cborEnc = must(cbor.CoreDetEncOptions().EncMode())
	cborDec = must(cbor.DecOptions{}.DecMode())
)

func (enc Encoding) String() string {
	switch enc {
	case MsgPack:
		return "msgpack"
	case CBOR:
		return "cbor"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("Encoding(%d)", int(enc))
	}
}

// ParseEncoding maps a configuration name to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "msgpack":
		return MsgPack, nil
	case "cbor":
		return CBOR, nil
	case "json":
		return JSON, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

// Encode returns the stored form of v. A []byte is returned as is, sharing
// its backing array; anything else is serialized.
func (enc Encoding) Encode(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	switch enc {
	case MsgPack:
		bb := bytesBuilder{}
		e := msgpack.GetEncoder()
		e.Reset(&bb)
		e.SetSortMapKeys(true)
		err := e.Encode(v)
		msgpack.PutEncoder(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
		}
		return bb.Buf, nil
	case CBOR:
		raw, err := cborEnc.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T to CBOR: %w", v, err)
		}
		return raw, nil
	case JSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T to JSON: %w", v, err)
		}
		return raw, nil
	default:
		panic("unsupported encoding")
	}
}

// Decode deserializes data into a generic Go value: integers come back as
// int64 or uint64, floats as float64, arrays as []any. Maps whose keys are
// all strings come back as map[string]any, other maps as map[any]any.
func (enc Encoding) Decode(data []byte) (any, error) {
	var v any
	switch enc {
	case MsgPack:
		var r bytes.Reader
		r.Reset(data)
		d := msgpack.GetDecoder()
		d.Reset(&r)
		d.UseLooseInterfaceDecoding(true)
		d.SetMapDecoder(decodeMsgpackMap)
		v, err := d.DecodeInterfaceLoose()
		msgpack.PutDecoder(d)
		if err != nil {
			return nil, decodeErrf(data, len(data)-r.Len(), enc, err, "failed to decode msgpack")
		}
		if r.Len() != 0 {
			return nil, decodeErrf(data, len(data)-r.Len(), enc, nil, "failed to decode msgpack: %d trailing bytes", r.Len())
		}
		return v, nil
	case CBOR:
		err := cborDec.Unmarshal(data, &v)
		if err != nil {
			return nil, decodeErrf(data, 0, enc, err, "failed to decode CBOR")
		}
		return stringKeyedMaps(v), nil
	case JSON:
		return decodeJSON(data)
	default:
		panic("unsupported encoding")
	}
}

// DecodeInto deserializes data into the value ptr points to.
func (enc Encoding) DecodeInto(data []byte, ptr any) error {
	switch enc {
	case MsgPack:
		var r bytes.Reader
		r.Reset(data)
		d := msgpack.GetDecoder()
		d.Reset(&r)
		err := d.Decode(ptr)
		msgpack.PutDecoder(d)
		if err != nil {
			return decodeErrf(data, len(data)-r.Len(), enc, err, "failed to decode msgpack into %T", ptr)
		}
		if r.Len() != 0 {
			return decodeErrf(data, len(data)-r.Len(), enc, nil, "failed to decode msgpack into %T: %d trailing bytes", ptr, r.Len())
		}
		return nil
	case CBOR:
		err := cborDec.Unmarshal(data, ptr)
		if err != nil {
			return decodeErrf(data, 0, enc, err, "failed to decode CBOR into %T", ptr)
		}
		return nil
	case JSON:
		err := json.Unmarshal(data, ptr)
		if err != nil {
			return decodeErrf(data, 0, enc, err, "failed to decode JSON into %T", ptr)
		}
		return nil
	default:
		panic("unsupported encoding")
	}
}

// decodeMsgpackMap decodes maps with keys of any scalar type. Binary keys
// become strings.
func decodeMsgpackMap(d *msgpack.Decoder) (any, error) {
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return map[string]any(nil), nil
	}
	m := make(map[any]any, min(n, 1<<16))
	for range n {
		k, err := d.DecodeInterfaceLoose()
		if err != nil {
			return nil, err
		}
		switch kk := k.(type) {
		case []byte:
			k = string(kk)
		case []any, map[string]any, map[any]any:
			return nil, fmt.Errorf("unsupported map key of type %T", k)
		}
		v, err := d.DecodeInterfaceLoose()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return stringKeyedMap(m), nil
}

// stringKeyedMaps walks v and turns every map[any]any whose keys are all
// strings into a map[string]any.
func stringKeyedMaps(v any) any {
	switch v := v.(type) {
	case map[any]any:
		for k, e := range v {
			v[k] = stringKeyedMaps(e)
		}
		return stringKeyedMap(v)
	case []any:
		for i, e := range v {
			v[i] = stringKeyedMaps(e)
		}
		return v
	default:
		return v
	}
}

func stringKeyedMap(m map[any]any) any {
	for k := range m {
		if _, ok := k.(string); !ok {
			return m
		}
	}
	sm := make(map[string]any, len(m))
	for k, e := range m {
		sm[k.(string)] = e
	}
	return sm
}

// decodeJSON keeps integers exact: numbers without a fraction or exponent
// come back as int64 (or uint64 above MaxInt64), others as float64.
func decodeJSON(data []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, decodeErrf(data, int(d.InputOffset()), JSON, err, "failed to decode JSON")
	}
	if _, err := d.Token(); !errors.Is(err, io.EOF) {
		return nil, decodeErrf(data, int(d.InputOffset()), JSON, err, "failed to decode JSON: trailing data")
	}
	return jsonNumbers(v)
}

func jsonNumbers(v any) (any, error) {
	var err error
	switch v := v.(type) {
	case json.Number:
		return jsonNumber(v)
	case map[string]any:
		for k, e := range v {
			if v[k], err = jsonNumbers(e); err != nil {
				return nil, err
			}
		}
	case []any:
		for i, e := range v {
			if v[i], err = jsonNumbers(e); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func jsonNumber(n json.Number) (any, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, decodeErrf([]byte(s), 0, JSON, err, "failed to decode JSON number")
	}
	return f, nil
}
