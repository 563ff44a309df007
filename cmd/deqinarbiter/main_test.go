package main

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
	"github.com/travisjeffery/go-dynaport"

	"deqinarbiter/actor"
)

func TestMain(m *testing.M) {
	if actor.IsChildProcess() {
		os.Exit(actor.RunChildProcess())
	}
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"deqinarbiter": execute,
	}))
}

func TestScript(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: filepath.Join("testdata", "script"),
		Setup: func(env *testscript.Env) error {
			port := dynaport.Get(1)[0]
			env.Setenv("CONTROL_ADDR", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			return nil
		},
	})
}

func TestParseArg(t *testing.T) {
	cases := map[string]any{
		"42":    42,
		"-3":    -3,
		"1.5":   1.5,
		"true":  true,
		"false": false,
		"hello": "hello",
		"":      "",
	}
	for in, want := range cases {
		if got := parseArg(in); got != want {
			t.Fatalf("parseArg(%q) = %#v, want %#v", in, got, want)
		}
	}
}
