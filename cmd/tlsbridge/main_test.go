package main

import (
	"bytes"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "tlsbridge version") {
		t.Errorf("expected version line, got: %s", out)
	}
	if !strings.Contains(out, "gotls") || !strings.Contains(out, "sim") {
		t.Errorf("expected engine names, got: %s", out)
	}
}

func TestSelftestCommand(t *testing.T) {
	for _, name := range []string{"sim", "gotls"} {
		t.Run(name, func(t *testing.T) {
			out, err := executeCommand("selftest", "--engine", name, "--bytes", "4096", "--read-chunk", "3", "--write-chunk", "5")
			if err != nil {
				t.Fatalf("selftest failed: %v\n%s", err, out)
			}
			if !strings.Contains(out, "selftest ok: 4096 bytes echoed with engine "+name) {
				t.Errorf("unexpected output: %s", out)
			}
			if !strings.Contains(out, "ROUND TRIPS") {
				t.Errorf("expected stats table, got: %s", out)
			}
		})
	}
}

func TestConnectRejectsEmptyMessage(t *testing.T) {
	defer func() { connectMessage = "ping" }()
	_, err := executeCommand("connect", "--message", "")
	if err == nil || !strings.Contains(err.Error(), "--message") {
		t.Fatalf("expected --message error, got %v", err)
	}
}

func TestUnknownEngine(t *testing.T) {
	_, err := executeCommand("selftest", "--engine", "openssl")
	if err == nil {
		t.Fatal("expected unknown engine error")
	}
}
