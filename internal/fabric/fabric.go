// Package fabric implements the connection-establishment and
// completion-queue abstraction of the RDMA fabric runtime: active/passive
// connection setup with private-data exchange, queue-pair-like capability
// negotiation, and a polled completion queue per connection group.
//
// No RDMA verbs binding exists in the Go ecosystem, so the fabric is
// realized as a software RDMA-semantics engine over TCP: a single ordered
// byte stream per connection gives the fenced-write ordering guarantee for
// free, and a small framed control protocol carries what the HCA would
// otherwise do in hardware (remote-write placement, signaled completions,
// status SENDs).
package fabric

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
)

// Capabilities mirrors a queue pair's declared capacity: send/recv work
// request depth, max scatter-gather entries, max inline bytes, and the
// depth of the shared completion queue.
type Capabilities struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSGE        uint32
	MaxInlineData uint32
	NumCQE        uint32
}

// DefaultCapabilities returns capacity values sized the way
// create_input_node_connection does: enough send WR to keep the pipe full,
// a completion queue shared by every connection in the group.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxSendWR:     constants.MaxSendWR,
		MaxRecvWR:     constants.MaxSendWR,
		MaxSGE:        2,
		MaxInlineData: constants.TSCDSize,
		NumCQE:        constants.MaxSendWR,
	}
}

// MaxPendingWrites derives max_pending_write_requests the way
// create_input_node_connection does: min((max_send_wr-1)/3, (num_cqe-1)/numPeers).
func (c Capabilities) MaxPendingWrites(numPeers int) uint32 {
	if numPeers < 1 {
		numPeers = 1
	}
	byWR := (c.MaxSendWR - 1) / constants.MaxPendingWriteFraction
	byCQE := (c.NumCQE - 1) / uint32(numPeers)
	if byWR < byCQE {
		return byWR
	}
	return byCQE
}

// frame opcodes for the software RDMA-over-TCP control protocol.
const (
	opPrivateData uint8 = iota
	opData
	opDescriptor
	opStatus
	opCompletionAck
)

// writeFrame writes a length-prefixed frame: 1-byte opcode, 4-byte
// big-endian length, payload.
func writeFrame(w io.Writer, op uint8, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = op
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame, returning its opcode and payload.
func readFrame(r io.Reader) (uint8, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

// DataWriter is implemented by the side whose local ring is the target of
// a remote data or descriptor write — for the input side that is the
// virtual "no ring" sink (data writes never land locally), for the
// compute side it is the shm-backed data/TSCD ring.
type DataWriter interface {
	WriteData(offset uint64, p []byte) error
	WriteDescriptor(offset uint64, tscd []byte) error
}

// Connection is one (input, compute) endpoint: a single TCP stream,
// a completion queue for locally posted signaled writes, and the
// private data exchanged at setup.
type Connection struct {
	conn net.Conn
	w    *bufio.Writer
	log  *logging.Logger

	mu       sync.Mutex
	statusCh chan []byte
	cq       *CompletionQueue

	dataWriter DataWriter

	closeOnce sync.Once
	closed    chan struct{}
}

// Group is a set of connections sharing one completion queue and one CPU
// affinity slot, mirroring the teacher's per-queue runner owning a single
// ring and a single pinned OS thread.
type Group struct {
	Caps        Capabilities
	CPUAffinity []int
	Index       int // this group's index, used for round-robin CPU pinning

	mu    sync.Mutex
	conns []*Connection
}

// NewGroup creates an empty connection group.
func NewGroup(caps Capabilities, cpuAffinity []int, index int) *Group {
	return &Group{Caps: caps, CPUAffinity: cpuAffinity, Index: index}
}

func (g *Group) track(c *Connection) {
	g.mu.Lock()
	g.conns = append(g.conns, c)
	g.mu.Unlock()
}

// pinCurrentThread locks the calling goroutine to its OS thread and, if an
// affinity list is configured, pins it round-robin by group index -
// mirroring internal/queue/runner.go's ioLoop pinning.
func pinCurrentThread(affinity []int, index int, log *logging.Logger) {
	runtime.LockOSThread()
	if len(affinity) == 0 {
		return
	}
	cpu := affinity[index%len(affinity)]
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		if log != nil {
			log.Warnf("failed to set CPU affinity to %d: %v", cpu, err)
		}
		return
	}
	if log != nil {
		log.Debugf("pinned to CPU %d", cpu)
	}
}

// Dial is the active side of connection establishment: connect, send our
// private data, read the peer's. The connection is tracked under group for
// completion-queue sharing and CPU-affinity pinning in Serve.
func Dial(ctx context.Context, addr string, localPriv []byte, dw DataWriter, group *Group) (*Connection, []byte, error) {
	d := net.Dialer{Timeout: constants.ResolveTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, rejectOrFatal(err)
	}
	c := newConnection(nc, dw)
	group.track(c)
	if err := writeFrame(c.w, opPrivateData, localPriv); err != nil {
		nc.Close()
		return nil, nil, tsbuild.Wrap("dial.send_private_data", tsbuild.CodeFabric, err)
	}
	if err := c.w.Flush(); err != nil {
		nc.Close()
		return nil, nil, tsbuild.Wrap("dial.flush", tsbuild.CodeFabric, err)
	}
	op, payload, err := readFrame(c.conn)
	if err != nil {
		nc.Close()
		return nil, nil, tsbuild.Wrap("dial.recv_private_data", tsbuild.CodeFabric, err)
	}
	if op != opPrivateData {
		nc.Close()
		return nil, nil, tsbuild.New("dial.recv_private_data", tsbuild.CodeFabric, "unexpected frame type")
	}
	return c, payload, nil
}

// rejectOrFatal classifies a dial failure as CodeRejected (recoverable,
// per spec.md §4.2 "Rejection handling") when the peer actively refused
// the connection, and CodeFabric otherwise.
func rejectOrFatal(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return tsbuild.Wrap("dial", tsbuild.CodeRejected, err)
	}
	return tsbuild.Wrap("dial", tsbuild.CodeFabric, err)
}

// Listen is the passive side's bind+listen step.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, tsbuild.Wrap("listen", tsbuild.CodeFabric, err)
	}
	return ln, nil
}

// Accept completes the passive side of one connection: read the peer's
// private data, reply with ours.
func Accept(ln net.Listener, localPriv []byte, dw DataWriter, group *Group) (*Connection, []byte, error) {
	nc, err := ln.Accept()
	if err != nil {
		return nil, nil, tsbuild.Wrap("accept", tsbuild.CodeFabric, err)
	}
	c := newConnection(nc, dw)
	group.track(c)
	op, payload, err := readFrame(nc)
	if err != nil {
		nc.Close()
		return nil, nil, tsbuild.Wrap("accept.recv_private_data", tsbuild.CodeFabric, err)
	}
	if op != opPrivateData {
		nc.Close()
		return nil, nil, tsbuild.New("accept.recv_private_data", tsbuild.CodeFabric, "unexpected frame type")
	}
	if err := writeFrame(c.w, opPrivateData, localPriv); err != nil {
		nc.Close()
		return nil, nil, tsbuild.Wrap("accept.send_private_data", tsbuild.CodeFabric, err)
	}
	if err := c.w.Flush(); err != nil {
		nc.Close()
		return nil, nil, tsbuild.Wrap("accept.flush", tsbuild.CodeFabric, err)
	}
	return c, payload, nil
}

func newConnection(nc net.Conn, dw DataWriter) *Connection {
	return &Connection{
		conn:       nc,
		w:          bufio.NewWriter(nc),
		log:        logging.Default(),
		statusCh:   make(chan []byte, 8),
		cq:         NewCompletionQueue(),
		dataWriter: dw,
		closed:     make(chan struct{}),
	}
}

// Close tears down the connection, deregistering is implicit: there are no
// real HCA memory regions to unregister, only the TCP socket to close.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) String() string {
	return fmt.Sprintf("fabric.Connection{%s<->%s}", c.conn.LocalAddr(), c.conn.RemoteAddr())
}
