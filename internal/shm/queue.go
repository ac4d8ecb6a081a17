package shm

import (
	"context"
	"net"
	"os"
	"time"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
)

// msgSize is the fixed-size wire form of a queue message: the TS index,
// the TS ring position, the TS core size, and the component count
// (mirrors receiver.WorkItem) or just the TS ring position (mirrors
// receiver.Completion). Both message kinds fit comfortably in one
// datagram; a zero-length datagram is the shutdown sentinel (spec.md §6
// "An empty message (size 0) is a sentinel meaning shutdown").
const msgSize = 32

// Queue is a bounded, unix-domain-datagram-backed message queue between
// the compute process and one processor child process. Grounded on
// spec.md §6's POSIX message-queue semantics (bounded depth, boundary
// preserving, zero-length = shutdown) and implemented over
// net.UnixConn(SOCK_DGRAM) since no pack library binds mq_open/mq_send
// and datagram sockets are the closest idiomatic Go primitive with the
// same semantics — see DESIGN.md.
type Queue struct {
	name string
	path string
	conn *net.UnixConn
}

// CreateQueue binds a new named unix datagram socket at
// /dev/shm/<name>.sock, owned by the caller (normally the compute
// process, which then hands the name to the child it spawns).
func CreateQueue(name string) (*Queue, error) {
	path := "/dev/shm/" + name + ".sock"
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, tsbuild.Wrap("shm.queue.resolve", tsbuild.CodeFabric, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, tsbuild.Wrap("shm.queue.listen", tsbuild.CodeFabric, err)
	}
	return &Queue{name: name, path: path, conn: conn}, nil
}

// DialQueue connects to a queue created by CreateQueue, for use by the
// processor child process on the other end.
func DialQueue(name string) (*Queue, error) {
	path := "/dev/shm/" + name + ".sock"
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, tsbuild.Wrap("shm.queue.dial", tsbuild.CodeFabric, err)
	}
	return &Queue{name: name, path: path, conn: conn}, nil
}

// Name returns the queue's name, the argument a spawned processor needs
// to DialQueue the same socket.
func (q *Queue) Name() string { return q.name }

// Close releases the underlying socket. The bound side (CreateQueue)
// should also remove the backing file once every peer is closed.
func (q *Queue) Close() error {
	if err := q.conn.Close(); err != nil {
		return tsbuild.Wrap("shm.queue.close", tsbuild.CodeFabric, err)
	}
	return nil
}

// Unlink removes the backing socket file; call from the owning side
// after Close.
func (q *Queue) Unlink() error {
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return tsbuild.Wrap("shm.queue.unlink", tsbuild.CodeFabric, err)
	}
	return nil
}

// Send writes one fixed-size payload. Pass a nil or empty payload to
// send the shutdown sentinel.
func (q *Queue) Send(payload []byte) error {
	if _, err := q.conn.Write(payload); err != nil {
		return tsbuild.Wrap("shm.queue.send", tsbuild.CodeFabric, err)
	}
	return nil
}

// Recv blocks until a datagram arrives or ctx is canceled. ok is false
// on the shutdown sentinel (a zero-length datagram) or context
// cancellation; payload is nil in both cases.
func (q *Queue) Recv(ctx context.Context) (payload []byte, ok bool, err error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.conn.SetReadDeadline(absoluteZero)
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, msgSize)
	n, readErr := q.conn.Read(buf)
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, tsbuild.Wrap("shm.queue.recv", tsbuild.CodeFabric, readErr)
	}
	if n == 0 {
		return nil, false, nil
	}
	return buf[:n], true, nil
}

// absoluteZero is a time in the past, used to force an in-flight Read to
// return immediately once ctx is canceled (net.Conn has no native
// context support).
var absoluteZero = time.Unix(0, 0)
