package devtcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// Reply is a device response: parsed JSON when possible, otherwise the raw
// line under "raw". An empty response becomes {"status": "no-reply"}.
type Reply map[string]any

// Client speaks the newline-delimited JSON protocol the devices expose on
// their config port.
type Client struct {
	Port    int // default device port when the caller gives none
	Timeout time.Duration
}

// Send connects to host (host may carry an explicit port override), writes
// the payload plus newline, and reads until EOF, a newline, or the timeout.
func (c *Client) Send(ctx context.Context, host string, payload any) (Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.SendRaw(ctx, host, append(body, '\n'))
}

// SendRaw sends pre-encoded bytes. The caller owns the trailing newline.
func (c *Client) SendRaw(ctx context.Context, host string, data []byte) (Reply, error) {
	addr := host
	if !strings.Contains(host, ":") {
		addr = fmt.Sprintf("%s:%d", host, c.Port)
	}
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.Timeout))
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write %s: %w", addr, err)
	}

	var chunks []byte
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunks = append(chunks, buf[:n]...)
			if chunks[len(chunks)-1] == '\n' {
				break
			}
		}
		if err != nil {
			// EOF or timeout ends the read; anything read so far counts.
			break
		}
	}
	return decodeReply(chunks), nil
}

func decodeReply(raw []byte) Reply {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return Reply{"status": "no-reply"}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return Reply(obj)
	}
	var arr []any
	if err := json.Unmarshal([]byte(text), &arr); err == nil {
		return Reply{"data": arr}
	}
	return Reply{"raw": text}
}
