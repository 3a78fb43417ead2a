package statemachine

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"replog/pkg/replog"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"
)

type kvMap = skipmap.OrderedMap[string, []byte]

// KV is the state machine fed by committed entries. Apply, CreateSnapshot
// and ApplySnapshot are called by the member goroutine; Get and Len are
// safe from any goroutine.
type KV struct {
	data atomic.Pointer[kvMap]
}

func NewKV() *KV {
	kv := &KV{}
	kv.data.Store(skipmap.New[string, []byte]())
	return kv
}

func (kv *KV) Get(key string) ([]byte, bool) {
	return kv.data.Load().Load(key)
}

func (kv *KV) Len() int {
	return kv.data.Load().Len()
}

// Apply executes the command carried by e and returns its ID. Entries
// without payload are no-ops.
func (kv *KV) Apply(e replog.Entry) (uuid.UUID, error) {
	if len(e.Data()) == 0 {
		return uuid.Nil, nil
	}
	cmd, err := DecodeCmd(e.Data())
	if err != nil {
		return uuid.Nil, fmt.Errorf("entry %d: %w", e.Index(), err)
	}

	m := kv.data.Load()
	switch cmd.Op {
	case PutOp:
		m.Store(string(cmd.Key), cmd.Value)
	case DeleteOp:
		m.Delete(string(cmd.Key))
	default:
		return cmd.ID, fmt.Errorf("entry %d: %w: %v", e.Index(), ErrUnknownOp, cmd.Op)
	}
	return cmd.ID, nil
}

// CreateSnapshot returns the whole key space as JSON.
func (kv *KV) CreateSnapshot() ([]byte, error) {
	state := make(map[string][]byte, kv.Len())
	kv.data.Load().Range(func(k string, v []byte) bool {
		state[k] = v
		return true
	})
	return json.Marshal(state)
}

// ApplySnapshot replaces the key space with a CreateSnapshot result.
func (kv *KV) ApplySnapshot(state []byte) error {
	var decoded map[string][]byte
	if err := json.Unmarshal(state, &decoded); err != nil {
		return fmt.Errorf("decode kv snapshot: %w", err)
	}
	m := skipmap.New[string, []byte]()
	for k, v := range decoded {
		m.Store(k, v)
	}
	kv.data.Store(m)
	return nil
}
