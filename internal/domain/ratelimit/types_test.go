package ratelimit

import "testing"

func TestFormatKey_ParseToolKeyRoundTrip(t *testing.T) {
	key := FormatKey(KeyTypeTool, "op")
	if key != "ratelimit:tool:op" {
		t.Errorf("FormatKey = %q, want ratelimit:tool:op", key)
	}

	tool, ok := ParseToolKey(key)
	if !ok {
		t.Fatal("ParseToolKey ok = false, want true")
	}
	if tool != "op" {
		t.Errorf("ParseToolKey tool = %q, want op", tool)
	}
}

func TestParseToolKey_RejectsOtherShapes(t *testing.T) {
	cases := []string{
		"",
		"op",
		"ratelimit:tool",
		"ratelimit:user:op",
		"other:tool:op",
	}
	for _, key := range cases {
		if _, ok := ParseToolKey(key); ok {
			t.Errorf("ParseToolKey(%q) ok = true, want false", key)
		}
	}
}
