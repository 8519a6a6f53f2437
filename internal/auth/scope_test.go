package auth

import "testing"

func TestParseScope(t *testing.T) {
	for _, testcase := range []struct {
		input string
		want  []Scope
	}{
		{input: "", want: nil},
		{
			input: "repository:library/alpine:pull,push",
			want: []Scope{
				{Type: "repository", Name: "library/alpine", Actions: []string{"pull", "push"}},
			},
		},
		{
			input: "repository:library/alpine:pull repository:library/nginx:push,delete",
			want: []Scope{
				{Type: "repository", Name: "library/alpine", Actions: []string{"pull"}},
				{Type: "repository", Name: "library/nginx", Actions: []string{"push", "delete"}},
			},
		},
		{input: "malformed", want: nil},
	} {
		got := ParseScope(testcase.input)
		if len(got) != len(testcase.want) {
			t.Fatalf("ParseScope(%q) = %+v, want %+v", testcase.input, got, testcase.want)
		}
		for i := range got {
			if got[i].Type != testcase.want[i].Type || got[i].Name != testcase.want[i].Name {
				t.Fatalf("ParseScope(%q)[%d] = %+v, want %+v", testcase.input, i, got[i], testcase.want[i])
			}
			if len(got[i].Actions) != len(testcase.want[i].Actions) {
				t.Fatalf("ParseScope(%q)[%d].Actions = %v, want %v", testcase.input, i, got[i].Actions, testcase.want[i].Actions)
			}
		}
	}
}

func TestScopeHasAndString(t *testing.T) {
	s := Scope{Type: "repository", Name: "library/redis", Actions: []string{"pull", "push"}}
	if !s.Has("pull") {
		t.Fatalf("Has(pull) = false, want true")
	}
	if s.Has("delete") {
		t.Fatalf("Has(delete) = true, want false")
	}
	if want := "repository:library/redis:pull,push"; s.String() != want {
		t.Fatalf("String() = %s, want %s", s.String(), want)
	}
}
