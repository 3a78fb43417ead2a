package compression

import (
	"errors"
	"fmt"
)

// Kind tags a compressed payload so a reader knows how to decode it.
type Kind uint8

const (
	None Kind = iota
	Zstd
)

var ErrUnknownKind = errors.New("unknown compression kind")

// Codec compresses journal payloads.
type Codec interface {
	Kind() Kind
	Encode(src []byte) []byte
	Decode(src []byte) ([]byte, error)
}

// ParseKind maps a config value to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// New returns the codec for kind.
func New(kind Kind) (Codec, error) {
	switch kind {
	case None:
		return noneCodec{}, nil
	case Zstd:
		return NewZstd()
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

type noneCodec struct{}

func (noneCodec) Kind() Kind { return None }

func (noneCodec) Encode(src []byte) []byte { return src }

func (noneCodec) Decode(src []byte) ([]byte, error) { return src, nil }
