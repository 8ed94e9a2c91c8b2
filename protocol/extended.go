package protocol

import (
	"errors"

	"github.com/zeebo/bencode"
)

var ErrExtendedHandshake = errors.New("malformed extension handshake")

// boolOrString is a boolean, but it can unmarshal a string.  This works
// around some buggy peers.
type boolOrString bool

func (bs boolOrString) MarshalBencode() ([]byte, error) {
	return bencode.EncodeBytes(bool(bs))
}

func (bs *boolOrString) UnmarshalBencode(buf []byte) error {
	var b bool
	err1 := bencode.DecodeBytes(buf, &b)
	if err1 == nil {
		*bs = boolOrString(b)
		return nil
	}
	var s string
	err2 := bencode.DecodeBytes(buf, &s)
	if err2 == nil {
		switch s {
		case "0":
			*bs = false
			return nil
		case "1":
			*bs = true
			return nil
		}
	}
	return err1
}

// ExtendedHandshake is the payload of an extended message with subtype
// 0.  Keys that are not modelled explicitly are kept verbatim in Keys so
// that extensions can read and contribute their own.
type ExtendedHandshake struct {
	Messages map[string]uint8
	Version  string
	Port     uint16
	ReqQ     uint32
	Keys     map[string]bencode.RawMessage
}

const (
	keyMessages = "m"
	keyVersion  = "v"
	keyPort     = "p"
	keyReqQ     = "reqq"
)

// ParseExtendedHandshake decodes an extension handshake payload.
// Entries of the m dictionary that don't fit in a byte are ignored.
func ParseExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	var d map[string]bencode.RawMessage
	err := bencode.DecodeBytes(payload, &d)
	if err != nil {
		return nil, err
	}

	h := &ExtendedHandshake{}
	for k, v := range d {
		switch k {
		case keyMessages:
			var m map[string]int64
			err := bencode.DecodeBytes(v, &m)
			if err != nil {
				return nil, ErrExtendedHandshake
			}
			h.Messages = make(map[string]uint8, len(m))
			for name, id := range m {
				if id >= 0 && id <= 255 {
					h.Messages[name] = uint8(id)
				}
			}
		case keyVersion:
			err := bencode.DecodeBytes(v, &h.Version)
			if err != nil {
				return nil, ErrExtendedHandshake
			}
		case keyPort:
			err := bencode.DecodeBytes(v, &h.Port)
			if err != nil {
				return nil, ErrExtendedHandshake
			}
		case keyReqQ:
			err := bencode.DecodeBytes(v, &h.ReqQ)
			if err != nil {
				return nil, ErrExtendedHandshake
			}
		default:
			if h.Keys == nil {
				h.Keys = make(map[string]bencode.RawMessage)
			}
			h.Keys[k] = v
		}
	}
	return h, nil
}

// Encode returns the bencoded payload.  Dictionary keys are emitted in
// sorted order, so parsing and re-encoding a canonical payload yields the
// same bytes.
func (h *ExtendedHandshake) Encode() ([]byte, error) {
	d := make(map[string]bencode.RawMessage, len(h.Keys)+4)
	for k, v := range h.Keys {
		d[k] = v
	}
	put := func(k string, v interface{}) error {
		b, err := bencode.EncodeBytes(v)
		if err != nil {
			return err
		}
		d[k] = b
		return nil
	}
	m := h.Messages
	if m == nil {
		m = map[string]uint8{}
	}
	err := put(keyMessages, m)
	if err != nil {
		return nil, err
	}
	if h.Version != "" {
		err = put(keyVersion, h.Version)
		if err != nil {
			return nil, err
		}
	}
	if h.Port != 0 {
		err = put(keyPort, h.Port)
		if err != nil {
			return nil, err
		}
	}
	if h.ReqQ != 0 {
		err = put(keyReqQ, h.ReqQ)
		if err != nil {
			return nil, err
		}
	}
	return bencode.EncodeBytes(d)
}

// Bool returns the value of an additional boolean key.  Both integers
// and the strings "0" and "1" are accepted.
func (h *ExtendedHandshake) Bool(key string) bool {
	if h == nil {
		return false
	}
	v, ok := h.Keys[key]
	if !ok {
		return false
	}
	var b boolOrString
	err := bencode.DecodeBytes(v, &b)
	return err == nil && bool(b)
}

// SetBool sets an additional boolean key.
func (h *ExtendedHandshake) SetBool(key string, value bool) error {
	b, err := boolOrString(value).MarshalBencode()
	if err != nil {
		return err
	}
	if h.Keys == nil {
		h.Keys = make(map[string]bencode.RawMessage)
	}
	h.Keys[key] = b
	return nil
}

// Id returns the subtype the sender of h wants us to use for the named
// extension, or 0 if it doesn't support it.
func (h *ExtendedHandshake) Id(name string) uint8 {
	if h == nil {
		return 0
	}
	return h.Messages[name]
}
