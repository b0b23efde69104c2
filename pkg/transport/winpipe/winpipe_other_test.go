//go:build !windows

package winpipe

import (
	"context"
	"testing"
)

func TestUnsupported(t *testing.T) {
	if _, err := Dial(context.Background(), `\\.\pipe\tlsbridge`, Options{}); err == nil {
		t.Fatal("expected dial to fail off windows")
	}
	if _, err := Listen(context.Background(), `\\.\pipe\tlsbridge`, Options{}); err == nil {
		t.Fatal("expected listen to fail off windows")
	}
}
