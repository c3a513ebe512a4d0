package events

import (
	"testing"

	"cdpledger/core/types"
)

type sample struct{ id string }

func (sample) EventType() string { return "sample.event" }

func (s sample) Event() *types.Event {
	return &types.Event{Type: "sample.event", Attributes: map[string]string{"id": s.id}}
}

type plain struct{}

func (plain) EventType() string { return "plain.event" }

func TestRecorderBoundsHistory(t *testing.T) {
	r := NewRecorder(2)
	r.Emit(sample{id: "a"})
	r.Emit(plain{})
	r.Emit(sample{id: "c"})
	r.Emit(nil)

	kinds := r.Types()
	if len(kinds) != 2 || kinds[0] != "plain.event" || kinds[1] != "sample.event" {
		t.Fatalf("unexpected history %v", kinds)
	}
	records := r.Records()
	if len(records) != 1 || records[0].Attributes["id"] != "c" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	a := NewRecorder(0)
	b := NewRecorder(0)
	Fanout{a, nil, b, NoopEmitter{}}.Emit(plain{})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("fanout did not reach every recorder")
	}
}
