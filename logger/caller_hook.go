package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook repoints entry.Caller past logrus internals and this
// package's wrappers, so file:line names the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	// 6 skips runtime.Callers, Fire, and the logrus/wrapper frames
	// between the caller and here.
	pcs := make([]uintptr, 16)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(6, pcs)])
	for frame, more := frames.Next(); ; frame, more = frames.Next() {
		if !wrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func wrapperFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") ||
		strings.Contains(fn, "candleflow/logger")
}
