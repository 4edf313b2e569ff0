package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T, fn func() error) (stdout, stderr string, err error) {
	t.Helper()
	oldOut, oldErr := os.Stdout, os.Stderr
	defer func() {
		os.Stdout, os.Stderr = oldOut, oldErr
	}()

	outR, outW, _ := os.Pipe()
	errR, errW, _ := os.Pipe()
	os.Stdout, os.Stderr = outW, errW

	doneOut := make(chan struct{})
	var bufOut bytes.Buffer
	go func() { _, _ = io.Copy(&bufOut, outR); close(doneOut) }()

	doneErr := make(chan struct{})
	var bufErr bytes.Buffer
	go func() { _, _ = io.Copy(&bufErr, errR); close(doneErr) }()

	err = fn()
	outW.Close()
	errW.Close()
	<-doneOut
	<-doneErr
	return bufOut.String(), bufErr.String(), err
}

func TestHelp(t *testing.T) {
	out, _, err := captureOutput(t, func() error { return run([]string{"help"}) })
	require.NoError(t, err)
	require.Contains(t, out, "COMMANDS:")

	out, _, err = captureOutput(t, func() error { return run([]string{"help", "serve"}) })
	require.NoError(t, err)
	require.Contains(t, out, "-backend.<name>")

	_, _, err = captureOutput(t, func() error { return run([]string{"help", "deploy"}) })
	require.ErrorContains(t, err, "deploy")
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, err := captureOutput(t, func() error { return run([]string{"deploy"}) })
	require.ErrorContains(t, err, "unknown command")
	require.Contains(t, stderr, "USAGE:")

	_, _, err = captureOutput(t, func() error { return run(nil) })
	require.ErrorContains(t, err, "missing command")
}

func TestSchema(t *testing.T) {
	out, _, err := captureOutput(t, func() error { return run([]string{"schema"}) })
	require.NoError(t, err)
	require.Contains(t, out, "type Query")
	require.Contains(t, out, "type Subscription")

	file := filepath.Join(t.TempDir(), "acsys.graphql")
	_, _, err = captureOutput(t, func() error { return run([]string{"schema", "-out", file}) })
	require.NoError(t, err)
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, out, string(b))
}

func TestProtos(t *testing.T) {
	dir := t.TempDir()
	_, _, err := captureOutput(t, func() error { return run([]string{"protos", "-out", dir}) })
	require.NoError(t, err)
	for _, f := range []string{"DevDB.proto", "WScan.proto", "services/DAQ.proto", "services/ACLK.proto", "services/tlg_placement.proto"} {
		require.FileExists(t, filepath.Join(dir, f))
	}

	_, _, err = captureOutput(t, func() error { return run([]string{"protos"}) })
	require.ErrorContains(t, err, "-out")
}

func TestServeRejectsBadConfig(t *testing.T) {
	_, stderr, err := captureOutput(t, func() error {
		return run([]string{"serve", "-backend.dpm", "no-port"})
	})
	require.ErrorContains(t, err, "backend.dpm")
	require.Contains(t, stderr, "serve FLAGS:")

	_, _, err = captureOutput(t, func() error {
		return run([]string{"serve", "-log.level", "loud"})
	})
	require.ErrorContains(t, err, "loud")
}
