package replog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"replog/pkg/types"
)

// Entry is a single command in the replicated log. It is never mutated
// after creation.
type Entry struct {
	index types.LogIndex
	term  types.Term
	data  []byte
}

// NewEntry copies data so the entry is the only owner of its payload.
func NewEntry(index types.LogIndex, term types.Term, data []byte) Entry {
	var owned []byte
	if len(data) > 0 {
		owned = make([]byte, len(data))
		copy(owned, data)
	}
	return Entry{index: index, term: term, data: owned}
}

func (e Entry) Index() types.LogIndex { return e.index }

func (e Entry) Term() types.Term { return e.term }

// Data returns the payload. The slice must not be modified.
func (e Entry) Data() []byte { return e.data }

// Size is the serialized byte cost of the entry, used for data size
// accounting and bounded retrieval.
func (e Entry) Size() int { return len(e.data) }

func (e Entry) Equal(other Entry) bool {
	return e.index == other.index && e.term == other.term && bytes.Equal(e.data, other.data)
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{index=%d term=%d size=%d}", e.index, e.term, len(e.data))
}

type entryJSON struct {
	Index types.LogIndex `json:"index"`
	Term  types.Term     `json:"term"`
	Data  []byte         `json:"data,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{Index: e.index, Term: e.term, Data: e.data})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Entry{index: raw.Index, term: raw.Term, data: raw.Data}
	return nil
}
