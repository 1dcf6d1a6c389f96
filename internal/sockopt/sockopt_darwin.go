//go:build darwin

package sockopt

import "golang.org/x/sys/unix"

// apply устанавливает опции сокета (macOS: SO_PRIORITY не поддерживается)
func apply(fd int, opts Options) {
	if opts.DSCP > 0 {
		tos := opts.DSCP << 2
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}
	if opts.ReceiveBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReceiveBuffer)
	}
	if opts.SendBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer)
	}
}
