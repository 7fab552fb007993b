// Package logger настраивает logrus для компонентов моста.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// DefaultLevel - уровень по умолчанию
const DefaultLevel = logrus.InfoLevel

var (
	mutex  sync.Mutex
	roots  = make(map[string]*logrus.Logger)
	output io.Writer = os.Stderr
)

// ParseLevel разбирает уровень логирования; пустая строка - info
func ParseLevel(level string) (logrus.Level, error) {
	if strings.TrimSpace(level) == "" {
		return DefaultLevel, nil
	}
	return logrus.ParseLevel(level)
}

// New возвращает логгер компонента с префиксом.
// Логгеры с одинаковым префиксом разделяют один экземпляр logrus.
func New(level logrus.Level, prefix string) *logrus.Entry {
	mutex.Lock()
	defer mutex.Unlock()

	l, found := roots[prefix]
	if !found {
		l = newLogrus(output, level)
		roots[prefix] = l
	}
	l.SetLevel(level)
	return l.WithField("prefix", prefix)
}

// NewWithOutput создает отдельный логгер, пишущий в w. Удобно в тестах.
func NewWithOutput(w io.Writer, level logrus.Level, prefix string) *logrus.Entry {
	return newLogrus(w, level).WithField("prefix", prefix)
}

// Discard возвращает логгер, который ничего не пишет
func Discard() *logrus.Entry {
	return NewWithOutput(io.Discard, logrus.PanicLevel, "")
}

// SetOutput меняет вывод для логгеров, созданных после вызова
func SetOutput(w io.Writer) {
	mutex.Lock()
	defer mutex.Unlock()
	output = w
	for _, l := range roots {
		l.SetOutput(w)
	}
}

func newLogrus(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     isTerminal(w),
		ForceFormatting: true,
	}
	l.SetLevel(level)
	return l
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
