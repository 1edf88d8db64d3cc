package main

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/snapshot"
)

func TestRun_InvalidURL(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--url", "http://127.0.0.1/hdmi"}, &stdout, &stderr)

	if code != snapshot.ExitOther {
		t.Errorf("Expected exit code %d, got %d", snapshot.ExitOther, code)
	}
	if stdout.Len() != 0 {
		t.Errorf("Expected empty stdout on failure, got %q", stdout.String())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--bogus"}, &stdout, &stderr); code != snapshot.ExitOther {
		t.Errorf("Expected exit code %d, got %d", snapshot.ExitOther, code)
	}
	if stdout.Len() != 0 {
		t.Errorf("Expected empty stdout, got %q", stdout.String())
	}
}

func TestRun_Unreachable(t *testing.T) {
	// grab a free port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var stdout, stderr bytes.Buffer
	start := time.Now()
	code := run([]string{
		"--url", "rtsp://" + addr + "/hdmi",
		"--output-dir", t.TempDir(),
		"--reach-attempts", "2",
		"--reach-delay", "10ms",
	}, &stdout, &stderr)

	if code != snapshot.ExitDiscovery {
		t.Errorf("Expected exit code %d, got %d", snapshot.ExitDiscovery, code)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected the reach flags to shorten the retries, took %v", elapsed)
	}
	if stdout.Len() != 0 {
		t.Errorf("Expected empty stdout on failure, got %q", stdout.String())
	}
}
