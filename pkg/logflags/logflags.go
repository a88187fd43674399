package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var any = false
var attach = false
var handoff = false
var resolver = false
var procinfo = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that logs everything when flag is
// set and only errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if any && flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Attach returns true if the attach state machine should log every
// ptrace request it makes.
func Attach() bool {
	return attach
}

// AttachLogger returns a logger for the attach state machine.
func AttachLogger() Logger {
	return makeFlaggableLogger(attach, Fields{"layer": "attach"})
}

// PtraceLogger returns a logger for the attach state machine that logs
// every request regardless of the log configuration. It is used when the
// ptrace-logging option is set.
func PtraceLogger() Logger {
	return makeLogger(logrus.DebugLevel, Fields{"layer": "attach"})
}

// Handoff returns true if the detach and delayed handoff logic should log.
func Handoff() bool {
	return handoff
}

// HandoffLogger returns a logger for the detach and delayed handoff logic.
func HandoffLogger() Logger {
	return makeFlaggableLogger(handoff, Fields{"layer": "handoff"})
}

// Resolver returns true if entry point resolution should log.
func Resolver() bool {
	return resolver
}

// ResolverLogger returns a logger for entry point resolution.
func ResolverLogger() Logger {
	return makeFlaggableLogger(resolver, Fields{"layer": "resolver"})
}

// ProcInfo returns true if target inspection (port discovery, memory
// accounting) should log.
func ProcInfo() bool {
	return procinfo
}

// ProcInfoLogger returns a logger for target inspection.
func ProcInfoLogger() Logger {
	return makeFlaggableLogger(procinfo, Fields{"layer": "procinfo"})
}

// WarnLogger returns a logger for warnings that are always shown, such
// as a ptrace_scope value that disables tracing.
func WarnLogger() Logger {
	return makeLogger(logrus.WarnLevel, Fields{"layer": "entrystop"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "entrystop-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if f, ok := logOut.(*os.File); ok {
		textFormatterInstance.ForceColors = isatty.IsTerminal(f.Fd())
	} else if logOut == nil {
		textFormatterInstance.ForceColors = isatty.IsTerminal(os.Stderr.Fd())
	}
	any = true
	if logstr == "" {
		logstr = "attach"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "attach":
			attach = true
		case "handoff":
			handoff = true
		case "resolver":
			resolver = true
		case "procinfo":
			procinfo = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

var textFormatterInstance = &textFormatter{}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
	ForceColors bool
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ", entry.Time.Format("2006-01-02T15:04:05.000Z07:00"))
	lvl := strings.ToLower(entry.Level.String())
	if f.ForceColors {
		lvl = colorLevel(entry.Level, lvl)
	}
	b.WriteString(lvl)
	b.WriteByte(' ')
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, "%v ", layer)
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func colorLevel(level logrus.Level, s string) string {
	var c int
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		c = 37 // gray
	case logrus.WarnLevel:
		c = 33 // yellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		c = 31 // red
	default:
		c = 36 // blue
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
}
