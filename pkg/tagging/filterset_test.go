package tagging

import (
	"reflect"
	"testing"
)

func TestPairsMatchingAnyFilter(t *testing.T) {
	tags := map[string]string{
		"env:stage":     "prod",
		"env:tier":      "web",
		"owner":         "teamA",
		"Name":          "vol-1",
		"aws:createdBy": "me",
		"environment":   "x",
	}

	tests := []struct {
		name     string
		patterns string
		want     map[string]string
	}{
		{
			name:     "wildcard and literal",
			patterns: "env:*, owner",
			want:     map[string]string{"env:stage": "prod", "env:tier": "web", "owner": "teamA"},
		},
		{
			name:     "literal only",
			patterns: "Name",
			want:     map[string]string{"Name": "vol-1"},
		},
		{
			name:     "all except reserved",
			patterns: "*,!aws:*",
			want: map[string]string{
				"env:stage":   "prod",
				"env:tier":    "web",
				"owner":       "teamA",
				"Name":        "vol-1",
				"environment": "x",
			},
		},
		{
			name:     "empty list",
			patterns: "",
			want:     map[string]string{},
		},
		{
			name:     "no match",
			patterns: "missing,other*",
			want:     map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := NewFilterSet(tt.patterns)
			if err != nil {
				t.Fatalf("NewFilterSet(%q) failed: %v", tt.patterns, err)
			}
			got := fs.PairsMatchingAnyFilter(tags)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFilterSetDoesNotModifyInput(t *testing.T) {
	tags := map[string]string{"a": "1", "b": "2"}
	fs, err := NewFilterSet("a")
	if err != nil {
		t.Fatalf("NewFilterSet failed: %v", err)
	}

	out := fs.PairsMatchingAnyFilter(tags)
	out["c"] = "3"

	if len(tags) != 2 {
		t.Errorf("Expected input to keep 2 tags, got %d", len(tags))
	}
}

func TestFilterSetEscapedComma(t *testing.T) {
	fs, err := NewFilterSet(`a\,b, c`)
	if err != nil {
		t.Fatalf("NewFilterSet failed: %v", err)
	}
	got := fs.PairsMatchingAnyFilter(map[string]string{"a,b": "1", "c": "2", "a": "3"})
	want := map[string]string{"a,b": "1", "c": "2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNilFilterSet(t *testing.T) {
	var fs *FilterSet
	if got := fs.PairsMatchingAnyFilter(map[string]string{"a": "1"}); len(got) != 0 {
		t.Errorf("Expected empty result from nil filter set, got %v", got)
	}
	if !fs.Empty() {
		t.Error("Expected nil filter set to be empty")
	}
}
