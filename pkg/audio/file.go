package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tevino/abool"
)

// FileSource читает сырые 16-битные моно отсчеты из файла.
// Хвост короче кадра отдается коротким кадром.
type FileSource struct {
	format  Format
	path    string
	order   ByteOrder
	loop    bool
	started *abool.AtomicBool

	mutex sync.Mutex
	file  *os.File
	buf   []byte
}

// NewFileSource открывает файл на чтение
func NewFileSource(format Format, path string, order ByteOrder, loop bool) (*FileSource, error) {
	if path == "" {
		return nil, deviceError(KindFile, "open", errors.New("путь к файлу не задан"))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, deviceError(KindFile, "open", err)
	}
	return &FileSource{
		format:  format,
		path:    path,
		order:   order,
		loop:    loop,
		started: abool.New(),
		file:    f,
		buf:     make([]byte, format.FrameBytes()),
	}, nil
}

func (s *FileSource) Start() error {
	s.started.Set()
	return nil
}

func (s *FileSource) Stop() error {
	s.started.UnSet()
	return nil
}

func (s *FileSource) Close() error {
	s.started.UnSet()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileSource) Format() Format {
	return s.format
}

// ReadFrame читает следующий кадр. Конец файла без Loop - ошибка устройства с io.EOF.
func (s *FileSource) ReadFrame(ctx context.Context) (Frame, error) {
	if !s.started.IsSet() {
		return nil, deviceError(s.path, "read", ErrNotStarted)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return nil, deviceError(s.path, "read", os.ErrClosed)
	}

	n, err := io.ReadFull(s.file, s.buf)
	if errors.Is(err, io.EOF) && s.loop {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, deviceError(s.path, "seek", err)
		}
		n, err = io.ReadFull(s.file, s.buf)
	}

	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
	case errors.Is(err, io.EOF):
		return nil, deviceError(s.path, "read", io.EOF)
	default:
		return nil, deviceError(s.path, "read", err)
	}

	// Нечетный хвостовой байт отбрасывается
	frame, _ := DecodePCM(s.buf[:n-n%2], s.order)
	return frame, nil
}

// FileSink пишет кадры в файл как сырые 16-битные отсчеты
type FileSink struct {
	format  Format
	path    string
	order   ByteOrder
	started *abool.AtomicBool

	mutex  sync.Mutex
	file   *os.File
	writer *bufio.Writer
	frames uint64
}

// NewFileSink создает или перезаписывает файл
func NewFileSink(format Format, path string, order ByteOrder) (*FileSink, error) {
	if path == "" {
		return nil, deviceError(KindFile, "open", errors.New("путь к файлу не задан"))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, deviceError(KindFile, "open", err)
	}
	return &FileSink{
		format:  format,
		path:    path,
		order:   order,
		started: abool.New(),
		file:    f,
		writer:  bufio.NewWriter(f),
	}, nil
}

func (s *FileSink) Start() error {
	s.started.Set()
	return nil
}

// Stop сбрасывает буфер на диск
func (s *FileSink) Stop() error {
	s.started.UnSet()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return deviceError(s.path, "flush", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.writer = nil, nil
	return err
}

func (s *FileSink) Format() Format {
	return s.format
}

// WriteFrame дописывает кадр в файл
func (s *FileSink) WriteFrame(ctx context.Context, frame Frame) error {
	if !s.started.IsSet() {
		return deviceError(s.path, "write", ErrNotStarted)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.writer == nil {
		return deviceError(s.path, "write", os.ErrClosed)
	}
	if _, err := s.writer.Write(EncodePCM(frame, s.order)); err != nil {
		return deviceError(s.path, "write", err)
	}
	s.frames++
	return nil
}

// Frames возвращает число записанных кадров
func (s *FileSink) Frames() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.frames
}

func (s *FileSink) String() string {
	return fmt.Sprintf("file(%s)", s.path)
}
