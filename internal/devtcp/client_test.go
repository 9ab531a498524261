package devtcp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// fakeDevice answers each newline-terminated request with a fixed line.
func fakeDevice(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				if _, err := r.ReadString('\n'); err != nil {
					return
				}
				c.Write([]byte(reply))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSendJSONReply(t *testing.T) {
	addr := fakeDevice(t, `{"status":"ok","applied":true}`+"\n")
	c := &Client{Timeout: time.Second}
	reply, err := c.Send(context.Background(), addr, map[string]any{"analog": []int{1}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply["status"] != "ok" || reply["applied"] != true {
		t.Fatalf("reply = %v", reply)
	}
}

func TestSendNonJSONReply(t *testing.T) {
	addr := fakeDevice(t, "OK\n")
	c := &Client{Timeout: time.Second}
	reply, err := c.Send(context.Background(), addr, map[string]any{"license": "?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply["raw"] != "OK" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestSendNoReply(t *testing.T) {
	addr := fakeDevice(t, "")
	c := &Client{Timeout: 200 * time.Millisecond}
	reply, err := c.Send(context.Background(), addr, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply["status"] != "no-reply" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestDialFailure(t *testing.T) {
	c := &Client{Timeout: 200 * time.Millisecond}
	if _, err := c.Send(context.Background(), "127.0.0.1:1", map[string]any{}); err == nil {
		t.Fatal("expected dial error")
	}
}
