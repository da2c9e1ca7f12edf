// File: cmd/scalpel-audit/main_test.go
package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	var written string
	var writtenTo string
	osWriteFile = func(name string, data []byte, _ os.FileMode) error {
		writtenTo, written = name, string(data)
		return nil
	}
	exitCode := -1
	osExit = func(code int) { exitCode = code }

	func() {
		defer handlePanic()
		panic("boom")
	}()

	assert.Equal(t, panicLogFile, writtenTo)
	assert.Contains(t, written, "panic: boom")
	assert.Contains(t, written, "goroutine", "the stack trace is logged")
	assert.Equal(t, 2, exitCode)
}

func TestHandlePanic_WriteFailure(t *testing.T) {
	defer resetMocks()

	osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only file system") }
	exitCode := -1
	osExit = func(code int) { exitCode = code }

	func() {
		defer handlePanic()
		panic("boom")
	}()
	assert.Equal(t, 2, exitCode)
}

func TestHandlePanic_NoPanic(t *testing.T) {
	defer resetMocks()

	called := false
	osExit = func(int) { called = true }
	func() {
		defer handlePanic()
	}()
	require.False(t, called)
}

func TestRun_ExitCodes(t *testing.T) {
	original := execute
	defer func() { execute = original }()

	execute = func(context.Context) error { return nil }
	assert.Equal(t, 0, run(context.Background()))

	execute = func(context.Context) error { return errors.New("bad flag") }
	assert.Equal(t, 1, run(context.Background()))
}
