package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestCrashGuardCleansUpAndRepanics(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	cleanups := 0

	func() {
		defer func() {
			if r := recover(); r != "loop exploded" {
				t.Fatalf("panic not re-raised, recovered %v", r)
			}
		}()
		defer crashGuard(logger, func() { cleanups++ })
		panic("loop exploded")
	}()

	if cleanups != 1 {
		t.Fatalf("cleanup ran %d times, want 1", cleanups)
	}
	if !strings.Contains(logs.String(), `"msg":"panic"`) {
		t.Fatalf("panic not logged: %s", logs.String())
	}
}

func TestCrashGuardIdleWithoutPanic(t *testing.T) {
	cleanups := 0
	func() {
		defer crashGuard(slog.Default(), func() { cleanups++ })
	}()
	if cleanups != 0 {
		t.Fatalf("cleanup ran without a panic")
	}
}
