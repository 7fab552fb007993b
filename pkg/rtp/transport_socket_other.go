//go:build !linux

package rtp

func setSockOptBuffers(fd uintptr, bufferSize int) error {
	return nil
}

func setSockOptVoicePriority(fd uintptr) {}

func setSockOptDSCP(fd uintptr, dscp int) error {
	return nil
}
