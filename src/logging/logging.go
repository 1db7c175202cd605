package logging

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camelot/whoicd/src/logger"
)

const (
	levelDebug = "debug"
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
	levelFatal = "fatal"
)

// Helper helps with writing logs to io.Writers.
// Helper implements logger.Logger interface.
// Records are written in the order they are logged, one JSON document per write.
type Helper struct {
	mux         *sync.Mutex
	callOnErr   func(error)
	callOnFatal func(error)
	writers     []io.Writer
	minLevel    int
}

// New creates new Helper.
// callOnErr is called when writing fails, callOnFatal is called after a fatal log is written.
func New(callOnErr, callOnFatal func(error), writers ...io.Writer) Helper {
	return Helper{mux: &sync.Mutex{}, callOnErr: callOnErr, callOnFatal: callOnFatal, writers: writers}
}

// WithLevel returns a copy of the Helper that drops records below the given level.
// Unknown levels are treated as debug.
func (h Helper) WithLevel(level string) Helper {
	h.minLevel = rank(level)
	return h
}

// Debug writes debug log.
func (h Helper) Debug(msg string) {
	h.write(levelDebug, msg)
}

// Info writes info log.
func (h Helper) Info(msg string) {
	h.write(levelInfo, msg)
}

// Warn writes warning log.
func (h Helper) Warn(msg string) {
	h.write(levelWarn, msg)
}

// Error writes error log.
func (h Helper) Error(msg string) {
	h.write(levelError, msg)
}

// Fatal writes fatal log and calls the fatal callback.
func (h Helper) Fatal(msg string) {
	h.write(levelFatal, msg)
	if h.callOnFatal != nil {
		h.callOnFatal(errFatal(msg))
	}
}

func (h Helper) write(level, msg string) {
	if rank(level) < h.minLevel {
		return
	}
	l := logger.Log{
		ID:        uuid.NewString(),
		Level:     level,
		Msg:       msg,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(&l)
	if err != nil {
		h.onErr(err)
		return
	}
	raw = append(raw, '\n')

	h.mux.Lock()
	defer h.mux.Unlock()
	for _, w := range h.writers {
		if _, err := w.Write(raw); err != nil {
			h.onErr(err)
		}
	}
}

func (h Helper) onErr(err error) {
	if h.callOnErr != nil {
		h.callOnErr(err)
	}
}

func rank(level string) int {
	switch level {
	case levelInfo:
		return 1
	case levelWarn:
		return 2
	case levelError:
		return 3
	case levelFatal:
		return 4
	default:
		return 0
	}
}

type errFatal string

func (e errFatal) Error() string { return string(e) }

// Nop is a logger.Logger that discards everything.
type Nop struct{}

func (Nop) Debug(string) {}
func (Nop) Info(string)  {}
func (Nop) Warn(string)  {}
func (Nop) Error(string) {}
func (Nop) Fatal(string) {}
