package codec

import (
	"bytes"
	"testing"
	"time"
)

type sampleMessage struct {
	PassID string    `json:"pass_id"`
	Gen    int64     `json:"generation"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

func TestMarshal_TimePrecisionSurvives(t *testing.T) {
	at := time.Date(2025, 4, 2, 10, 30, 0, 123456789, time.UTC)
	data, err := Marshal(sampleMessage{PassID: "p", Gen: 3, At: at})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got sampleMessage
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.At.Equal(at) || got.Gen != 3 || got.PassID != "p" {
		t.Fatalf("decoded mismatch: %+v", got)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	m := map[string]any{"b": 1, "a": "x", "c": []int{1, 2}}
	first, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(m)
		if err != nil {
			t.Fatalf("Marshal(%d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic at iteration %d", i)
		}
	}
}

func TestGRPC_Name(t *testing.T) {
	if (GRPC{}).Name() != "cbor" {
		t.Fatalf("codec name = %q", GRPC{}.Name())
	}
}
