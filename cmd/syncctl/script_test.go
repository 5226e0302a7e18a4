package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// TestScripts runs every testdata/*.txtar scenario through a script.Engine
// that exposes our own cobra command tree as the "syncctl" script command,
// exercising the CLI end-to-end against a real on-disk store per scenario.
// Commands print via fmt.Printf/os.Stdout directly rather than through
// cobra's OutOrStdout, so stdout/stderr are captured by swapping the
// process-global os.Stdout/os.Stderr around each invocation.
func TestScripts(t *testing.T) {
	engine := script.NewEngine()
	engine.Cmds["syncctl"] = script.Command(
		script.CmdUsage{
			Summary: "run the syncctl CLI in-process",
			Args:    "args...",
		},
		func(s *script.State, args ...string) (script.WaitFunc, error) {
			stdout, stderr, runErr := invoke(args)
			wait := func(*script.State) (string, string, error) {
				return stdout, stderr, runErr
			}
			return wait, nil
		},
	)

	ctx := context.Background()
	env := os.Environ()
	if err := scripttest.Test(t, ctx, engine, env, "testdata/*.txtar"); err != nil {
		t.Fatal(fmt.Errorf("script tests: %w", err))
	}
}

func invoke(args []string) (stdout, stderr string, err error) {
	outR, outW, _ := os.Pipe()
	errR, errW, _ := os.Pipe()
	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = outW, errW

	storeRoot = ""
	jsonOutput = false
	rootCmd.SetArgs(args)
	runErr := rootCmd.Execute()

	os.Stdout, os.Stderr = origOut, origErr
	outW.Close()
	errW.Close()

	var outBuf, errBuf bytes.Buffer
	io.Copy(&outBuf, outR)
	io.Copy(&errBuf, errR)
	return outBuf.String(), errBuf.String(), runErr
}
