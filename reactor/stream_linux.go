//go:build linux
// +build linux

// File: reactor/stream_linux.go
// Author: momentics <momentics@gmail.com>
//
// Non-blocking stream sockets (TCP and unix-domain) driven by a Loop.
// A unix-domain stream opened in ipc mode carries descriptors with
// SCM_RIGHTS in both directions.

package reactor

import (
	"io"
	"net"

	"golang.org/x/sys/unix"
)

const (
	maxAcceptsPerEvent = 32
	maxIovecs          = 1024
	maxRightsPerRead   = 16
)

// ConnectionFunc receives each accepted stream on a listening handle.
type ConnectionFunc func(conn *Stream, err error)

// Stream is a connected, listening or connecting stream socket.
type Stream struct {
	handle
	ipc bool

	listening bool
	listenCb  ConnectionFunc

	reading bool
	alloc   AllocFunc
	onRead  ReadFunc

	writes       []*WriteReq
	writeBlocked bool

	shutdownPending bool
	shutdownDone    bool
	shutdownCb      WriteFunc

	connectCb WriteFunc

	closeNotify func()

	pendingFds []int
	oob        []byte
}

// NewTCP creates an unbound TCP socket of the given address family.
func NewTCP(l *Loop, family int) (*Stream, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	return newStream(l, fd, KindTCP, false), nil
}

// NewPipe creates an unbound unix-domain stream socket. With ipc set the
// stream can transfer descriptors.
func NewPipe(l *Loop, ipc bool) (*Stream, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return newStream(l, fd, KindPipe, ipc), nil
}

// OpenStream adopts an existing connected socket descriptor.
func OpenStream(l *Loop, fd int, kind HandleKind) (*Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return newStream(l, fd, kind, false), nil
}

func newStream(l *Loop, fd int, kind HandleKind, ipc bool) *Stream {
	s := &Stream{ipc: ipc}
	l.initHandle(&s.handle, s, kind, fd)
	s.onEvent = s.handleEvent
	s.onClose = s.cancelPending
	return s
}

// Fd returns the descriptor, or -1 once closing.
func (s *Stream) Fd() int { return s.fd }

// Bind assigns a local address. TCP sockets get SO_REUSEADDR first.
func (s *Stream) Bind(sa unix.Sockaddr) error {
	if s.closing {
		return ErrClosed
	}
	if s.kind == KindTCP {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	return unix.Bind(s.fd, sa)
}

// Listen starts accepting. cb receives every accepted stream, already
// registered with the same loop, or the accept error.
func (s *Stream) Listen(backlog int, cb ConnectionFunc) error {
	if s.closing {
		return ErrClosed
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return err
	}
	s.listening = true
	s.listenCb = cb
	return s.update()
}

// NoDelay toggles TCP_NODELAY.
func (s *Stream) NoDelay(enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// LocalAddr returns the bound address.
func (s *Stream) LocalAddr() (net.Addr, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, err
	}
	return SockaddrToAddr(sa), nil
}

// RemoteAddr returns the peer address.
func (s *Stream) RemoteAddr() (net.Addr, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil, err
	}
	return SockaddrToAddr(sa), nil
}

// Connect starts a non-blocking connect; cb runs once it resolves.
func (s *Stream) Connect(sa unix.Sockaddr, cb WriteFunc) error {
	if s.closing {
		return ErrClosed
	}
	if s.connectCb != nil {
		return ErrBusy
	}
	err := unix.Connect(s.fd, sa)
	switch err {
	case nil:
		s.loop.later(func() { cb(nil) })
		return nil
	case unix.EINPROGRESS:
		s.connectCb = cb
		return s.update()
	default:
		return err
	}
}

// ReadStart begins delivering reads. alloc runs before every read and
// onRead after it, always in pairs.
func (s *Stream) ReadStart(alloc AllocFunc, onRead ReadFunc) error {
	if s.closing {
		return ErrClosed
	}
	s.alloc = alloc
	s.onRead = onRead
	s.reading = true
	return s.update()
}

// ReadStop stops delivering reads.
func (s *Stream) ReadStop() {
	if !s.reading {
		return
	}
	s.reading = false
	_ = s.update()
}

// IsReading reports whether reads are being delivered.
func (s *Stream) IsReading() bool { return s.reading }

// NotifyClose registers fn to run on the next iteration after the stream
// starts closing, whoever closes it. fn runs before the close callback.
func (s *Stream) NotifyClose(fn func()) { s.closeNotify = fn }

// PendingCount returns the number of descriptors received on an ipc pipe
// and not yet accepted.
func (s *Stream) PendingCount() int { return len(s.pendingFds) }

// AcceptPending adopts the oldest received descriptor as a stream of kind.
func (s *Stream) AcceptPending(kind HandleKind) (*Stream, error) {
	if len(s.pendingFds) == 0 {
		return nil, unix.EAGAIN
	}
	fd := s.pendingFds[0]
	s.pendingFds = s.pendingFds[1:]
	conn, err := OpenStream(s.loop, fd, kind)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return conn, nil
}

// Write queues bufs; cb runs on a later iteration with the outcome. The
// buffers must stay untouched until then.
func (s *Stream) Write(req *WriteReq, bufs [][]byte, cb WriteFunc) error {
	return s.enqueue(req, bufs, -1, cb)
}

// Write2 is Write that also transfers send's descriptor over an ipc pipe.
// bufs must hold at least one byte.
func (s *Stream) Write2(req *WriteReq, bufs [][]byte, send *Stream, cb WriteFunc) error {
	if !s.ipc {
		return unix.EINVAL
	}
	if send == nil || send.closing {
		return ErrClosed
	}
	return s.enqueue(req, bufs, send.fd, cb)
}

func (s *Stream) enqueue(req *WriteReq, bufs [][]byte, sendFd int, cb WriteFunc) error {
	if s.closing {
		return ErrClosed
	}
	if s.shutdownPending || s.shutdownDone {
		return unix.EPIPE
	}
	if err := req.start(bufs, sendFd, cb); err != nil {
		return err
	}
	s.writes = append(s.writes, req)
	if len(s.writes) == 1 {
		s.flushWrites()
		return nil
	}
	return s.update()
}

// Shutdown half-closes the sending side once queued writes drain.
func (s *Stream) Shutdown(cb WriteFunc) error {
	if s.closing {
		return ErrClosed
	}
	if s.shutdownPending || s.shutdownDone {
		return ErrBusy
	}
	s.shutdownPending = true
	s.shutdownCb = cb
	if len(s.writes) == 0 {
		s.doShutdown()
		return nil
	}
	return s.update()
}

func (s *Stream) doShutdown() {
	err := unix.Shutdown(s.fd, unix.SHUT_WR)
	s.shutdownPending = false
	s.shutdownDone = true
	cb := s.shutdownCb
	s.shutdownCb = nil
	_ = s.update()
	if cb != nil {
		s.loop.later(func() { cb(err) })
	}
}

func (s *Stream) update() error {
	var mask uint32
	if s.listening || s.reading {
		mask |= unix.EPOLLIN
	}
	if s.writeBlocked || s.connectCb != nil {
		mask |= unix.EPOLLOUT
	}
	err := s.watch(mask)
	s.setActive(s.listening || s.reading || len(s.writes) > 0 || s.shutdownPending || s.connectCb != nil)
	return err
}

func (s *Stream) handleEvent(events uint32) {
	const outMask = unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP

	if s.connectCb != nil && events&outMask != 0 {
		s.finishConnect()
		if s.closing {
			return
		}
	}
	if s.listening && events&unix.EPOLLIN != 0 {
		s.acceptAll()
		return
	}
	if s.reading && events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.doRead()
		if s.closing {
			return
		}
	}
	if len(s.writes) > 0 && events&outMask != 0 {
		s.flushWrites()
	}
}

func (s *Stream) finishConnect() {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && v != 0 {
		err = unix.Errno(v)
	}
	cb := s.connectCb
	s.connectCb = nil
	_ = s.update()
	cb(err)
}

func (s *Stream) acceptAll() {
	for i := 0; i < maxAcceptsPerEvent && s.listening && !s.closing; i++ {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			s.listenCb(newStream(s.loop, nfd, s.kind, s.ipc), nil)
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return
		default:
			s.listenCb(nil, err)
			return
		}
	}
}

func (s *Stream) doRead() {
	buf := s.alloc(DefaultReadHint)
	if len(buf) == 0 {
		s.ReadStop()
		s.onRead(0, unix.ENOBUFS)
		return
	}
	var (
		n   int
		err error
	)
	if s.ipc {
		n, err = s.recvWithRights(buf)
	} else {
		n, err = unix.Read(s.fd, buf)
	}
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		s.onRead(0, nil)
	case err != nil:
		s.ReadStop()
		s.onRead(0, err)
	case n == 0:
		s.ReadStop()
		s.onRead(0, io.EOF)
	default:
		s.onRead(n, nil)
	}
}

func (s *Stream) recvWithRights(buf []byte) (int, error) {
	if s.oob == nil {
		s.oob = make([]byte, unix.CmsgSpace(4*maxRightsPerRead))
	}
	n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, s.oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return 0, err
	}
	if oobn > 0 {
		msgs, perr := unix.ParseSocketControlMessage(s.oob[:oobn])
		if perr == nil {
			for i := range msgs {
				fds, rerr := unix.ParseUnixRights(&msgs[i])
				if rerr == nil {
					s.pendingFds = append(s.pendingFds, fds...)
				}
			}
		}
	}
	return n, nil
}

func (s *Stream) flushWrites() {
	for len(s.writes) > 0 {
		req := s.writes[0]
		if !req.done() {
			err := req.writeSome(s.fd)
			if err == unix.EAGAIN {
				s.writeBlocked = true
				_ = s.update()
				return
			}
			if err == nil && !req.done() {
				continue
			}
			if err != nil {
				s.popWrite(req, err)
				continue
			}
		}
		s.popWrite(req, nil)
	}
	s.writeBlocked = false
	if s.shutdownPending {
		s.doShutdown()
		return
	}
	_ = s.update()
}

func (s *Stream) popWrite(req *WriteReq, err error) {
	s.writes[0] = nil
	s.writes = s.writes[1:]
	cb := req.finish()
	s.loop.later(func() { cb(err) })
}

func (s *Stream) cancelPending() {
	for _, req := range s.writes {
		cb := req.finish()
		s.loop.later(func() { cb(unix.ECANCELED) })
	}
	s.writes = nil
	if cb := s.shutdownCb; cb != nil {
		s.shutdownCb = nil
		s.loop.later(func() { cb(unix.ECANCELED) })
	}
	if cb := s.connectCb; cb != nil {
		s.connectCb = nil
		s.loop.later(func() { cb(unix.ECANCELED) })
	}
	if cb := s.onRead; s.reading && cb != nil {
		s.loop.later(func() { cb(0, unix.ECANCELED) })
	}
	if fn := s.closeNotify; fn != nil {
		s.closeNotify = nil
		s.loop.later(fn)
	}
	for _, fd := range s.pendingFds {
		_ = unix.Close(fd)
	}
	s.pendingFds = nil
	s.reading = false
	s.listening = false
}

// WriteReq carries one queued write. It is reusable once its callback ran
// and is owned by one loop.
type WriteReq struct {
	store      [][]byte
	head       int
	sendFd     int
	rightsSent bool
	cb         WriteFunc
	inUse      bool
	disposed   bool
}

// NewWriteReq creates an idle request.
func NewWriteReq() *WriteReq { return &WriteReq{sendFd: -1} }

// Dispose releases the request; later writes with it fail with ErrClosed.
func (r *WriteReq) Dispose() {
	r.disposed = true
	r.store = nil
}

// Disposed reports whether Dispose was called.
func (r *WriteReq) Disposed() bool { return r.disposed }

// InUse reports whether the request is queued on a stream.
func (r *WriteReq) InUse() bool { return r.inUse }

func (r *WriteReq) start(bufs [][]byte, sendFd int, cb WriteFunc) error {
	if r.disposed {
		return ErrClosed
	}
	if r.inUse {
		return ErrBusy
	}
	r.store = append(r.store[:0], bufs...)
	r.head = 0
	r.skipEmpty()
	if sendFd >= 0 && r.done() {
		return unix.EINVAL
	}
	r.sendFd = sendFd
	r.rightsSent = false
	r.cb = cb
	r.inUse = true
	return nil
}

func (r *WriteReq) finish() WriteFunc {
	cb := r.cb
	r.cb = nil
	r.inUse = false
	r.sendFd = -1
	for i := range r.store {
		r.store[i] = nil
	}
	r.store = r.store[:0]
	r.head = 0
	return cb
}

func (r *WriteReq) done() bool { return r.head >= len(r.store) }

func (r *WriteReq) skipEmpty() {
	for r.head < len(r.store) && len(r.store[r.head]) == 0 {
		r.head++
	}
}

func (r *WriteReq) writeSome(fd int) error {
	var (
		n   int
		err error
	)
	if r.sendFd >= 0 && !r.rightsSent {
		n, err = unix.SendmsgN(fd, r.store[r.head], unix.UnixRights(r.sendFd), nil, unix.MSG_NOSIGNAL)
		if err == nil {
			r.rightsSent = true
		}
	} else {
		end := r.head + maxIovecs
		if end > len(r.store) {
			end = len(r.store)
		}
		n, err = unix.Writev(fd, r.store[r.head:end])
	}
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return err
	}
	r.consume(n)
	return nil
}

func (r *WriteReq) consume(n int) {
	for n > 0 && r.head < len(r.store) {
		b := r.store[r.head]
		if n < len(b) {
			r.store[r.head] = b[n:]
			return
		}
		n -= len(b)
		r.head++
	}
	r.skipEmpty()
}

// SockaddrToAddr converts a socket address into a net.Addr.
func SockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		var zone string
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port, Zone: zone}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return nil
}

// ResolveSockaddr maps a "tcp" host:port or a "unix" path to a socket
// address and its family.
func ResolveSockaddr(network, address string) (unix.Sockaddr, int, error) {
	if network == "unix" {
		return &unix.SockaddrUnix{Name: address}, unix.AF_UNIX, nil
	}
	tcp, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, 0, err
	}
	if ip4 := tcp.IP.To4(); ip4 != nil || tcp.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], tcp.IP.To16())
	if tcp.Zone != "" {
		if ifi, err := net.InterfaceByName(tcp.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6, nil
}
