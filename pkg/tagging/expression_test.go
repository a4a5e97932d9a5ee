package tagging

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseExpressionEmpty(t *testing.T) {
	for _, text := range []string{"", "   "} {
		expr, err := ParseExpression(text)
		if err != nil {
			t.Fatalf("ParseExpression(%q) failed: %v", text, err)
		}
		if expr != nil {
			t.Errorf("Expected nil expression for %q", text)
		}
		if !expr.Matches(nil) {
			t.Errorf("Expected nil expression to match empty tags")
		}
		if !expr.Matches(map[string]string{"a": "b"}) {
			t.Errorf("Expected nil expression to match any tags")
		}
	}
}

func TestExpressionMatches(t *testing.T) {
	tags := map[string]string{
		"Backup":      "true",
		"env":         "production",
		"Owner":       "teamA",
		"Name":        "web server",
		"Empty":       "",
		"cost-center": "1234",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"Backup", true},
		{"Missing", false},
		{"Backup=true", true},
		{"Backup=false", false},
		{"backup=true", false},
		{"env=prod*", true},
		{"env=*tion", true},
		{"env=stag*", false},
		{"env=prod*,env=stag*", true},
		{"env=dev|Backup=true", true},
		{"Backup=true+Owner=teamA", true},
		{"Backup=true+Owner=teamB", false},
		{"Backup=true&Owner=teamB", false},
		{"!Missing", true},
		{"!Backup", false},
		{"Backup=true+!Skip", true},
		{"Owner!=teamB", true},
		{"Owner!=team*", false},
		{"Missing!=x", false},
		{"(Owner=teamB|Owner=teamA)&Backup", true},
		{"!(Owner=teamA+Backup)", false},
		{"Name=web server", true},
		{" Name = web server ", true},
		{"Empty=", true},
		{"Backup=", false},
		{"cost-*", true},
		{"cost-*=12*", true},
		{"cost-*=9*", false},
		{"cost-*!=9*", true},
		{"*", true},
		{"a,b,Backup=true", true},
		{"a+b,Backup=true", true},
		{"a+(b,Backup=true)", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := ParseExpression(tt.expr)
			if err != nil {
				t.Fatalf("ParseExpression(%q) failed: %v", tt.expr, err)
			}
			if got := expr.Matches(tags); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestExpressionEscapes(t *testing.T) {
	tags := map[string]string{
		"a+b":   "x,y",
		"star":  "*",
		"stars": "a*b",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`a\+b=x\,y`, true},
		{`a\+b`, true},
		{`star=\*`, true},
		{`stars=\*`, false},
		{`stars=a\*b`, true},
		{`stars=a*`, true},
	}

	for _, tt := range tests {
		expr, err := ParseExpression(tt.expr)
		if err != nil {
			t.Fatalf("ParseExpression(%q) failed: %v", tt.expr, err)
		}
		if got := expr.Matches(tags); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestExpressionSplitValueWarnings(t *testing.T) {
	tags := map[string]string{"Email": "a+b@example.com", "Owner": "web"}

	tests := []struct {
		expr     string
		warnings int
		matches  bool
	}{
		{`Email=a+b@example.com`, 1, false},
		{`Email=a&b@example.com`, 1, false},
		{`Email=a\+b@example.com`, 0, true},
		{`Email=a* + Owner`, 0, true},
		{`Email=a*+!Skip`, 0, true},
		{`Owner+Email=a*`, 0, true},
	}

	for _, tt := range tests {
		expr, err := ParseExpression(tt.expr)
		if err != nil {
			t.Fatalf("ParseExpression(%q) failed: %v", tt.expr, err)
		}
		if got := len(expr.Warnings()); got != tt.warnings {
			t.Errorf("Expected %d warnings for %q, got %v", tt.warnings, tt.expr, expr.Warnings())
		}
		if got := expr.Matches(tags); got != tt.matches {
			t.Errorf("Matches(%q) = %v, want %v", tt.expr, got, tt.matches)
		}
	}

	var empty *Expression
	if empty.Warnings() != nil {
		t.Error("Expected no warnings for the empty expression")
	}
}

func TestParseExpressionErrors(t *testing.T) {
	tests := []string{
		"=value",
		"Backup=true,",
		"(Backup",
		"Backup)",
		"Backup=true++Owner",
		"!",
		"a b=c=d",
		`Backup\`,
		"()",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			_, err := ParseExpression(text)
			if err == nil {
				t.Fatalf("Expected error for %q", text)
			}
			var syntaxErr *SyntaxError
			if !errors.As(err, &syntaxErr) {
				t.Fatalf("Expected *SyntaxError, got %T", err)
			}
			if syntaxErr.Expr != text {
				t.Errorf("Expected Expr %q, got %q", text, syntaxErr.Expr)
			}
		})
	}
}

func TestReferencedKeys(t *testing.T) {
	expr := MustParseExpression("Backup=true+!Skip,(env=prod*|Owner)")

	want := []string{"Backup", "Owner", "Skip", "env"}
	if got := expr.ReferencedKeys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected referenced keys %v, got %v", want, got)
	}

	if !expr.References("Skip") {
		t.Error("Expected Skip to be referenced")
	}
	if expr.References("Name") {
		t.Error("Expected Name not to be referenced")
	}

	wild := MustParseExpression("env:*=yes")
	if !wild.References("env:stage") {
		t.Error("Expected wildcard key pattern to reference env:stage")
	}
	if wild.References("environment") {
		t.Error("Expected wildcard key pattern not to reference environment")
	}

	var none *Expression
	if none.ReferencedKeys() != nil {
		t.Error("Expected nil expression to reference no keys")
	}
}

func TestExpressionDeterministic(t *testing.T) {
	text := "(a=1|b=2*)+!c,d!=x"
	first := MustParseExpression(text)
	second := MustParseExpression(text)

	tagSets := []map[string]string{
		{},
		{"a": "1"},
		{"a": "1", "c": ""},
		{"b": "22"},
		{"d": "x"},
		{"d": "y"},
		{"a": "2", "b": "3", "d": "x"},
	}

	for _, tags := range tagSets {
		r1 := first.Matches(tags)
		if r2 := second.Matches(tags); r1 != r2 {
			t.Errorf("Parsed expressions disagree on %v: %v vs %v", tags, r1, r2)
		}
		for i := 0; i < 3; i++ {
			if first.Matches(tags) != r1 {
				t.Errorf("Matches not stable for %v", tags)
			}
		}
	}

	if first.String() != text {
		t.Errorf("Expected String() %q, got %q", text, first.String())
	}
}
