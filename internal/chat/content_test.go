package chat

import "testing"

func TestMergePartsKeepsOrder(t *testing.T) {
	a := []Part{TextPart("a"), TextPart("b")}
	b := []Part{{FunctionResponse: &FunctionResponse{ID: "1", Name: "x"}}}
	got := MergeParts(a, nil, b)
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3", len(got))
	}
	if got[0].Text != "a" || got[1].Text != "b" || got[2].FunctionResponse == nil {
		t.Fatalf("unexpected merge result: %#v", got)
	}
}

func TestMergePartsEmpty(t *testing.T) {
	if got := MergeParts(); len(got) != 0 {
		t.Fatalf("len=%d, want 0", len(got))
	}
}
