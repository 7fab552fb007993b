//go:build linux

package rtp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// voiceSocketPriority - приоритет SO_PRIORITY для интерактивного аудио
const voiceSocketPriority = 6

// setSockOptBuffers увеличивает буферы ядра под голосовой трафик
func setSockOptBuffers(fd uintptr, bufferSize int) error {
	recvBufSize := VoiceOptimizedRecvBuffer
	sendBufSize := VoiceOptimizedSendBuffer
	if bufferSize > DefaultBufferSize {
		recvBufSize = bufferSize * 4
		sendBufSize = bufferSize * 2
	}

	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recvBufSize, err)
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufSize); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", sendBufSize, err)
	}
	return nil
}

// setSockOptVoicePriority выставляет SO_PRIORITY.
// В контейнерах без CAP_NET_ADMIN ошибка игнорируется.
func setSockOptVoicePriority(fd uintptr) {
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, voiceSocketPriority)
}

// setSockOptDSCP устанавливает DSCP маркировку для IPv4 и IPv6
func setSockOptDSCP(fd uintptr, dscp int) error {
	// DSCP находится в старших 6 битах TOS
	tos := dscp << 2

	errV4 := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	errV6 := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	if errV4 != nil && errV6 != nil {
		return fmt.Errorf("DSCP %d: %w", dscp, errV4)
	}
	return nil
}
