//go:build linux

package sockopt

import "golang.org/x/sys/unix"

// apply устанавливает опции сокета (Linux реализация)
func apply(fd int, opts Options) {
	if opts.DSCP > 0 {
		// DSCP находится в старших 6 битах TOS поля
		tos := opts.DSCP << 2
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}
	if opts.Priority > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, opts.Priority)
	}
	if opts.ReceiveBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReceiveBuffer)
	}
	if opts.SendBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer)
	}
}
