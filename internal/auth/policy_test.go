package auth

import (
	"context"
	"testing"
)

func TestPolicyEngineAllow(t *testing.T) {
	p := NewPolicyEngine()
	ctx := context.Background()

	for _, testcase := range []struct {
		name string
		in   Input
		want bool
	}{
		{name: "public pull", in: Input{Action: "pull", RepositoryPublic: true}, want: true},
		{name: "private pull without grant", in: Input{Action: "pull", RepositoryPublic: false}, want: false},
		{name: "admin can do anything", in: Input{Action: "delete", UserAdmin: true}, want: true},
		{name: "explicit pull grant", in: Input{Action: "pull", GrantPull: true}, want: true},
		{name: "explicit push grant", in: Input{Action: "push", GrantPush: true}, want: true},
		{name: "push grant does not imply delete", in: Input{Action: "delete", GrantPush: true}, want: false},
		{name: "explicit delete grant", in: Input{Action: "delete", GrantDelete: true}, want: true},
	} {
		got, err := p.Allow(ctx, testcase.in)
		if err != nil {
			t.Fatalf("%s: Allow: %v", testcase.name, err)
		}
		if got != testcase.want {
			t.Fatalf("%s: Allow(%+v) = %v, want %v", testcase.name, testcase.in, got, testcase.want)
		}
	}
}
