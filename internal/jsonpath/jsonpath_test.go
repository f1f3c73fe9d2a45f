package jsonpath

import (
	"reflect"
	"testing"
)

func TestCollectNestedDotPath(t *testing.T) {
	doc := map[string]interface{}{
		"user": map[string]interface{}{
			"email": "a@example.com",
		},
	}
	got := Collect(doc, "user.email")
	want := []string{"a@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCollectWildcardArrayOfObjects(t *testing.T) {
	doc := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"subject": "hello"},
			map[string]interface{}{"subject": "world"},
		},
	}
	got := Collect(doc, "messages[*].subject")
	want := []string{"hello", "world"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCollectWildcardArrayOfScalars(t *testing.T) {
	doc := map[string]interface{}{
		"tags": []interface{}{"a", "b", "c"},
	}
	got := Collect(doc, "tags[*]")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCollectAbsentFieldYieldsNoMatches(t *testing.T) {
	doc := map[string]interface{}{"other": "x"}
	got := Collect(doc, "user.email")
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestTransformRedactScalarField(t *testing.T) {
	doc := map[string]interface{}{
		"user": map[string]interface{}{"email": "a@example.com"},
	}
	Transform(doc, "user.email", func(string) (string, bool) {
		return "[REDACTED]", false
	})
	got := doc["user"].(map[string]interface{})["email"]
	if got != "[REDACTED]" {
		t.Fatalf("got %v, want [REDACTED]", got)
	}
}

func TestTransformOmitArrayElement(t *testing.T) {
	doc := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"subject": "keep"},
			map[string]interface{}{"subject": "drop-this"},
		},
	}
	Transform(doc, "messages[*].subject", func(v string) (string, bool) {
		return v, v == "drop-this"
	})
	msgs := doc["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("a remove signalled from a leaf nested under a wildcard must drop the enclosing array element, got %d elements: %+v", len(msgs), msgs)
	}
	if msgs[0].(map[string]interface{})["subject"] != "keep" {
		t.Fatalf("surviving element = %+v, want the one whose subject is \"keep\"", msgs[0])
	}
}

func TestTransformOmitScalarArrayElement(t *testing.T) {
	doc := map[string]interface{}{
		"tags": []interface{}{"a", "secret", "b"},
	}
	Transform(doc, "tags[*]", func(v string) (string, bool) {
		return v, v == "secret"
	})
	got := doc["tags"].([]interface{})
	want := []interface{}{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTransformLeavesNonMatchingNodesAlone(t *testing.T) {
	doc := map[string]interface{}{
		"user": map[string]interface{}{"email": "a@example.com", "name": "a"},
	}
	Transform(doc, "user.email", func(string) (string, bool) {
		return "[REDACTED]", false
	})
	if doc["user"].(map[string]interface{})["name"] != "a" {
		t.Fatal("unrelated field should be untouched")
	}
}
