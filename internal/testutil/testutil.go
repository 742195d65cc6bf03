// Package testutil has the few assertion helpers the package tests share.
package testutil

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

// NoError stops the test when err is non-nil.
func NoError(t testing.TB, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", what, err)
	}
}

// ErrorIs stops the test unless errors.Is(err, target).
func ErrorIs(t testing.TB, err, target error, what string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("%s: got error %v, want %v", what, err, target)
	}
}

// Equal stops the test when got and want are not deeply equal.
func Equal(t testing.TB, got, want any, what string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s:\n got: %#v\nwant: %#v", what, got, want)
	}
}

// Contains stops the test when needle is not in haystack.
func Contains(t testing.TB, haystack, needle, what string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("%s: %q does not contain %q", what, haystack, needle)
	}
}

// Eventually polls cond every 10ms until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %s", what, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Never fails the test if cond holds at any point during the window.
func Never(t testing.TB, window time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("%s: condition unexpectedly met", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
