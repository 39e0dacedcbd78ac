// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// MCTP addressing and socket syscall plumbing (<linux/mctp.h>).

package nvmemi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// mctpTagOwner is the tag-owner bit of the MCTP tag field.
	mctpTagOwner = 0x08

	// Tag allocation ioctls (SIOCPROTOPRIVATE + 0/1).
	siocMCTPAllocTag = 0x89e0
	siocMCTPDropTag  = 0x89e1
)

// sockaddrMCTP mirrors struct sockaddr_mctp.
type sockaddrMCTP struct {
	Family  uint16
	_       uint16
	Network uint32
	Addr    uint8
	Type    uint8
	Tag     uint8
	_       uint8
}

// mctpIocTagCtl mirrors struct mctp_ioc_tag_ctl, the argument to the tag
// allocation ioctls.
type mctpIocTagCtl struct {
	PeerAddr uint8
	Tag      uint8
	Flags    uint16
}

// socketOps abstracts the socket syscalls used by the MCTP transport, so
// that tests can substitute a scripted peer for the kernel. Zero-length
// buffers are skipped when building the scatter/gather list.
type socketOps interface {
	socket() (int, error)
	sendmsg(fd int, sa *sockaddrMCTP, bufs [][]byte) (int, error)
	recvmsg(fd int, bufs [][]byte, flags int) (int, error)
	poll(fd int, timeout int) (int, error)
	allocTag(fd int, peer uint8) (uint8, error)
	dropTag(fd int, peer uint8, tag uint8) error
	close(fd int) error
}

func defaultSocketOps() socketOps {
	return linuxSocketOps{}
}

// linuxSocketOps issues the real syscalls against an AF_MCTP datagram socket.
type linuxSocketOps struct{}

func (linuxSocketOps) socket() (int, error) {
	return unix.Socket(unix.AF_MCTP, unix.SOCK_DGRAM, 0)
}

func buildIovecs(bufs [][]byte) []unix.Iovec {
	iovs := make([]unix.Iovec, 0, len(bufs))
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		iov := unix.Iovec{Base: &b[0]}
		iov.SetLen(len(b))
		iovs = append(iovs, iov)
	}
	return iovs
}

func (linuxSocketOps) sendmsg(fd int, sa *sockaddrMCTP, bufs [][]byte) (int, error) {
	iovs := buildIovecs(bufs)

	var msg unix.Msghdr
	msg.Name = (*byte)(unsafe.Pointer(sa))
	msg.Namelen = uint32(unsafe.Sizeof(*sa))
	if len(iovs) > 0 {
		msg.Iov = &iovs[0]
		msg.SetIovlen(len(iovs))
	}

	n, _, errno := unix.Syscall(unix.SYS_SENDMSG, uintptr(fd),
		uintptr(unsafe.Pointer(&msg)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func (linuxSocketOps) recvmsg(fd int, bufs [][]byte, flags int) (int, error) {
	iovs := buildIovecs(bufs)

	var msg unix.Msghdr
	if len(iovs) > 0 {
		msg.Iov = &iovs[0]
		msg.SetIovlen(len(iovs))
	}

	n, _, errno := unix.Syscall(unix.SYS_RECVMSG, uintptr(fd),
		uintptr(unsafe.Pointer(&msg)), uintptr(flags))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func (linuxSocketOps) poll(fd int, timeout int) (int, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	return unix.Poll(fds, timeout)
}

func (linuxSocketOps) allocTag(fd int, peer uint8) (uint8, error) {
	ctl := mctpIocTagCtl{PeerAddr: peer}
	if err := ioctlPtr(fd, siocMCTPAllocTag, unsafe.Pointer(&ctl)); err != nil {
		return 0, err
	}
	return ctl.Tag, nil
}

func (linuxSocketOps) dropTag(fd int, peer uint8, tag uint8) error {
	ctl := mctpIocTagCtl{PeerAddr: peer, Tag: tag}
	return ioctlPtr(fd, siocMCTPDropTag, unsafe.Pointer(&ctl))
}

func (linuxSocketOps) close(fd int) error {
	return unix.Close(fd)
}

// ioctlPtr executes an ioctl with a pointer argument on the specified file
// descriptor.
func ioctlPtr(fd int, cmd uintptr, ptr unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}
