package statemachine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownOp  = errors.New("unknown command operation")
	ErrInvalidCmd = errors.New("invalid command")
)

type Op uint8

const (
	PutOp Op = iota + 1
	DeleteOp
)

func ParseOp(name string) (Op, error) {
	switch name {
	case "put", "insert":
		return PutOp, nil
	case "delete":
		return DeleteOp, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOp, name)
	}
}

func (o Op) String() string {
	switch o {
	case PutOp:
		return "put"
	case DeleteOp:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Cmd is the payload of a log entry.
type Cmd struct {
	Op    Op        `json:"op"`
	Key   []byte    `json:"key"`
	Value []byte    `json:"value"`
	ID    uuid.UUID `json:"id"`
}

func NewCmd(op Op, key, value []byte) Cmd {
	return Cmd{
		Op:    op,
		Key:   key,
		Value: value,
		ID:    uuid.New(),
	}
}

func (c Cmd) Validate() error {
	switch c.Op {
	case PutOp:
		if len(c.Key) == 0 || len(c.Value) == 0 {
			return fmt.Errorf("%w: empty key or value", ErrInvalidCmd)
		}
	case DeleteOp:
		if len(c.Key) == 0 {
			return fmt.Errorf("%w: empty key", ErrInvalidCmd)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownOp, c.Op)
	}
	return nil
}

func (c Cmd) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

func DecodeCmd(data []byte) (Cmd, error) {
	var c Cmd
	if err := json.Unmarshal(data, &c); err != nil {
		return Cmd{}, fmt.Errorf("unmarshal command: %w", err)
	}
	return c, nil
}
