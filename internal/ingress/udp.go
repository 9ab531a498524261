package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/etx-iot/etx/internal/logger"
	"github.com/etx-iot/etx/internal/stats"
)

// ControlOffer lets the GCU handshake intercept control tokens before a
// datagram reaches the queue.
type ControlOffer interface {
	Offer(data []byte, addr netip.AddrPort) bool
}

// Config for the UDP receiver.
type Config struct {
	ListenPort    int
	BufBytes      int // read buffer size
	SORcvbufBytes int // kernel socket buffer
	Broadcast     bool
	ForwardAddr   string // optional local mirror for debugging
}

// Receiver reads sensor datagrams and feeds the ingress queue. It owns the
// socket; the GCU handshake sends its tokens through SendToken.
type Receiver struct {
	cfg     Config
	queue   *Queue
	control ControlOffer // may be nil
	ctr     *stats.Counters

	conn    *net.UDPConn
	forward *net.UDPConn
	fwdAddr *net.UDPAddr
}

func NewReceiver(cfg Config, queue *Queue, control ControlOffer, ctr *stats.Counters) *Receiver {
	return &Receiver{cfg: cfg, queue: queue, control: control, ctr: ctr}
}

// Listen binds the socket. Separate from Run so callers can hand SendToken
// to the handshake before the read loop starts.
func (r *Receiver) Listen(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if r.cfg.SORcvbufBytes > 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, r.cfg.SORcvbufBytes); err != nil {
						sockErr = os.NewSyscallError("setsockopt SO_RCVBUF", err)
						return
					}
				}
				if r.cfg.Broadcast {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
						sockErr = os.NewSyscallError("setsockopt SO_BROADCAST", err)
					}
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", r.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("udp listen :%d: %w", r.cfg.ListenPort, err)
	}
	r.conn = pc.(*net.UDPConn)

	if r.cfg.ForwardAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", r.cfg.ForwardAddr)
		if err != nil {
			r.conn.Close()
			return fmt.Errorf("forward addr %q: %w", r.cfg.ForwardAddr, err)
		}
		fwd, err := net.ListenUDP("udp", nil)
		if err != nil {
			r.conn.Close()
			return fmt.Errorf("forward socket: %w", err)
		}
		r.forward = fwd
		r.fwdAddr = addr
	}
	return nil
}

// SendToken writes an ASCII control token to addr from the listen socket, so
// replies come back on the ingress port.
func (r *Receiver) SendToken(token string, addr netip.AddrPort) error {
	if r.conn == nil {
		return errors.New("ingress: not listening")
	}
	_, err := r.conn.WriteToUDPAddrPort([]byte(token), addr)
	return err
}

// Close releases the sockets. Kept separate from Run so the GCU shutdown
// broadcast can still go out through SendToken after the read loop stops.
func (r *Receiver) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
	if r.forward != nil {
		r.forward.Close()
	}
}

// Run is the receive loop. It returns when ctx is cancelled; the caller
// closes the sockets via Close.
func (r *Receiver) Run(ctx context.Context) error {
	if r.conn == nil {
		if err := r.Listen(ctx); err != nil {
			return err
		}
	}
	logger.Info("udp ingress listening", "port", r.cfg.ListenPort)

	buf := make([]byte, r.cfg.BufBytes)
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("udp read error", "err", err)
			continue
		}
		if n == 0 {
			continue
		}
		r.ctr.In.Add(1)

		if r.forward != nil {
			r.forward.WriteToUDP(buf[:n], r.fwdAddr)
		}

		if r.control != nil && r.control.Offer(buf[:n], addr) {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		r.queue.Push(Datagram{Data: data, Addr: addr, Recv: time.Now()})
	}
}
