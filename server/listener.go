package server

import (
	"context"
	"net"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// openUDPSocket binds the worker's UDP socket. Address and port reuse are
// both enabled so that multiple workers bound to the same port receive
// kernel-balanced traffic.
func openUDPSocket(bindAddress string, port, sendBufferSize, recvBufferSize int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reusePort}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot bind udp %s:%d", bindAddress, port)
	}
	udpConn := pc.(*net.UDPConn)

	if err := setBufferSizes(udpConn, sendBufferSize, recvBufferSize); err != nil {
		_ = udpConn.Close()
		return nil, err
	}
	return udpConn, nil
}

func reusePort(network, address string, conn syscall.RawConn) error {
	var sockErr error
	err := conn.Control(func(descriptor uintptr) {
		if sockErr = unix.SetsockoptInt(int(descriptor), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(descriptor), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func setBufferSizes(conn *net.UDPConn, sendBufferSize, recvBufferSize int) error {
	if err := conn.SetWriteBuffer(sendBufferSize); err != nil {
		return errors.Wrap(err, "cannot set send buffer size")
	}
	if err := conn.SetReadBuffer(recvBufferSize); err != nil {
		return errors.Wrap(err, "cannot set recv buffer size")
	}
	return nil
}
