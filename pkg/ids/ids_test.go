package ids

import "testing"

func TestRoundTrip(t *testing.T) {
	c := New("mattermost", "thread-123")
	parsed, err := Parse(c.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, c)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse("no-separator"); err == nil {
		t.Fatal("expected error for malformed composite id")
	}
}
