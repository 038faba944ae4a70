package builtin

import (
	"context"
	"net"
	"strconv"
	"testing"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

func TestDangerousCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command string
		want    bool
	}{
		{"uptime", false},
		{"df -h", false},
		{"ls -la /var/log", false},
		{"systemctl status nginx", false},
		{"rm /tmp/stale.lock", true},
		{"shutdown -h now", true},
		{"REBOOT", true},
		{"chmod -R 777 /srv", true},
		{"chown -R nobody:nogroup /data", true},
		{"echo ok > /dev/sda", true},
		{"mkfs.ext4 /dev/sdb1", true},
		{"dd if=/dev/zero of=/dev/sda", true},
	}
	for _, tt := range tests {
		if got := dangerousCommand(tt.command); got != tt.want {
			t.Errorf("dangerousCommand(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}
}

func TestSSHExecValidation(t *testing.T) {
	t.Parallel()
	tool := NewSSHExec()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing host", map[string]any{"command": "uptime"}},
		{"missing command", map[string]any{"host": "db-1"}},
		{"missing username", map[string]any{"host": "db-1", "command": "uptime"}},
		{"missing credentials", map[string]any{"host": "db-1", "command": "uptime", "username": "ops"}},
		{"port out of range", map[string]any{"host": "db-1", "command": "uptime", "username": "ops", "password": "pw", "port": 70000}},
		{"missing key file", map[string]any{"host": "db-1", "command": "uptime", "username": "ops", "private_key_path": "/no/such/key"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := tool.Execute(context.Background(), ports.ToolCall{ID: "s1", Arguments: tt.args})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !errors.IsValidation(res.Error) {
				t.Fatalf("error %v is not a validation error", res.Error)
			}
		})
	}
}

// A listener that drops connections immediately makes the handshake fail,
// which must surface as a tool-level error, not a validation refusal.
func TestSSHExecDialFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("IPv4 loopback unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	tool := NewSSHExec()
	res, err := tool.Execute(context.Background(), ports.ToolCall{ID: "s1", Arguments: map[string]any{
		"host":     host,
		"port":     port,
		"command":  "uptime",
		"username": "ops",
		"password": "pw",
	}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error == nil {
		t.Fatal("expected a dial failure")
	}
	if errors.IsValidation(res.Error) {
		t.Fatalf("dial failure misclassified as validation: %v", res.Error)
	}
}

func TestSSHExecMetadataPolicy(t *testing.T) {
	t.Parallel()
	md := NewSSHExec().Metadata()

	if !md.Dangerous {
		t.Error("ssh_exec must be marked dangerous")
	}
	if !md.RequiresConfirmation {
		t.Error("ssh_exec must require confirmation")
	}
	if md.RatePerMinute != 20 {
		t.Errorf("RatePerMinute = %d, want 20", md.RatePerMinute)
	}
	if md.PrivacyTier != ports.PrivacyPrivateCloud {
		t.Errorf("PrivacyTier = %v", md.PrivacyTier)
	}
}
