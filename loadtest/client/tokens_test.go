package client

import (
	"strings"
	"testing"
)

func TestLoadTokens(t *testing.T) {
	in := `
# generated by chatctl
alice  eyJ.a.1
bob	eyJ.b.2
`
	ids, err := LoadTokens(strings.NewReader(in))
	if err != nil {
		t.Fatalf("LoadTokens: %v", err)
	}
	if len(ids) != 2 || ids[0] != (Identity{"alice", "eyJ.a.1"}) || ids[1] != (Identity{"bob", "eyJ.b.2"}) {
		t.Errorf("ids = %+v", ids)
	}
}

func TestLoadTokensErrors(t *testing.T) {
	for name, in := range map[string]string{
		"empty":          "\n# nothing\n",
		"missing token":  "alice\n",
		"too many parts": "alice tok extra\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadTokens(strings.NewReader(in)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWithToken(t *testing.T) {
	got, err := WithToken("ws://localhost:8080/ws?x=1", "a.b c")
	if err != nil {
		t.Fatalf("WithToken: %v", err)
	}
	if got != "ws://localhost:8080/ws?token=a.b+c&x=1" {
		t.Errorf("url = %q", got)
	}
}
