package oplog

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestOpTimeCompare(t *testing.T) {
	tests := map[string]struct {
		a, b OpTime
		want int
	}{
		"equal":                 {NewOpTime(123, 0, 1), NewOpTime(123, 0, 1), 0},
		"earlier seconds":       {NewOpTime(123, 0, 1), NewOpTime(456, 0, 1), -1},
		"later seconds":         {NewOpTime(456, 0, 1), NewOpTime(123, 0, 1), 1},
		"earlier increment":     {NewOpTime(123, 1, 1), NewOpTime(123, 2, 1), -1},
		"same ts lower term":    {NewOpTime(123, 0, 1), NewOpTime(123, 0, 2), -1},
		"same ts higher term":   {NewOpTime(123, 0, 3), NewOpTime(123, 0, 2), 1},
		"timestamp beats term":  {NewOpTime(456, 0, 1), NewOpTime(123, 0, 9), 1},
		"uninitialized vs real": {NewOpTime(123, 0, UninitializedTerm), NewOpTime(123, 0, 1), -1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
			if got := tc.b.Compare(tc.a); got != -tc.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tc.b, tc.a, got, -tc.want)
			}
			if got := tc.a.Before(tc.b); got != (tc.want < 0) {
				t.Errorf("Before(%s, %s) = %v", tc.a, tc.b, got)
			}
			if got := tc.a.After(tc.b); got != (tc.want > 0) {
				t.Errorf("After(%s, %s) = %v", tc.a, tc.b, got)
			}
			if got := tc.a.Equal(tc.b); got != (tc.want == 0) {
				t.Errorf("Equal(%s, %s) = %v", tc.a, tc.b, got)
			}
		})
	}
}

func TestOpTimeIsZero(t *testing.T) {
	if !(OpTime{}).IsZero() {
		t.Error("zero value must be zero")
	}
	// only the timestamp decides, the term does not
	if !NewOpTime(0, 0, 3).IsZero() {
		t.Error("zero timestamp with a term must still be zero")
	}
	if NewOpTime(0, 1, UninitializedTerm).IsZero() {
		t.Error("non-zero increment must not be zero")
	}
	if NewOpTime(123, 0, 1).IsZero() {
		t.Error("non-zero seconds must not be zero")
	}
}

func TestOpTimeDocumentRoundTrip(t *testing.T) {
	opTime := NewOpTime(123, 7, 2)
	raw, err := bson.Marshal(opTime.Document())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseOpTime(raw)
	if err != nil {
		t.Fatalf("ParseOpTime: %v", err)
	}
	if !got.Equal(opTime) {
		t.Errorf("round trip changed the optime: got %s, want %s", got, opTime)
	}
}

func TestOpTimeWithHashEqual(t *testing.T) {
	a := OpTimeWithHash{Hash: 456, OpTime: NewOpTime(123, 0, 1)}
	if !a.Equal(a) {
		t.Error("value must equal itself")
	}
	if a.Equal(OpTimeWithHash{Hash: 457, OpTime: NewOpTime(123, 0, 1)}) {
		t.Error("different hash must not be equal")
	}
	if a.Equal(OpTimeWithHash{Hash: 456, OpTime: NewOpTime(124, 0, 1)}) {
		t.Error("different timestamp must not be equal")
	}
	if a.IsZero() {
		t.Error("non-zero value must not be zero")
	}
	if !(OpTimeWithHash{}).IsZero() {
		t.Error("zero value must be zero")
	}
}
