package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var loader = false
var symtab = false
var demangle = false
var correlate = false
var report = false
var analyzer = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = &textFormatter{color: logOut == nil && isatty.IsTerminal(os.Stderr.Fd())}
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Loader returns true if the binary loader should log.
func Loader() bool {
	return loader
}

// LoaderLogger returns a logger for the binfile package.
func LoaderLogger() Logger {
	return makeFlaggableLogger(loader, Fields{"layer": "loader"})
}

// Symtab returns true if symbol table extraction should be logged.
func Symtab() bool {
	return symtab
}

// SymtabLogger returns a logger for the symtab package.
func SymtabLogger() Logger {
	return makeFlaggableLogger(symtab, Fields{"layer": "symtab"})
}

// Demangle returns true if names that fail to demangle should be logged.
func Demangle() bool {
	return demangle
}

func DemangleLogger() Logger {
	return makeFlaggableLogger(demangle, Fields{"layer": "demangle"})
}

// Correlate returns true if pkg/correlate and pkg/dwarf/line should log
// their recoverable errors.
func Correlate() bool {
	return correlate
}

// CorrelateLogger returns a logger for source correlation.
func CorrelateLogger() Logger {
	return makeFlaggableLogger(correlate, Fields{"layer": "correlate"})
}

// Report returns true if the report builder should log anomalies as they
// are recorded.
func Report() bool {
	return report
}

func ReportLogger() Logger {
	return makeFlaggableLogger(report, Fields{"layer": "report"})
}

// Analyzer returns true if the pipeline should log stage timings.
func Analyzer() bool {
	return analyzer
}

// AnalyzerLogger returns a logger for the analyzer package.
func AnalyzerLogger() Logger {
	return makeFlaggableLogger(analyzer, Fields{"layer": "analyzer"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "membrowse-logs")
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
	if logstr == "" {
		logstr = "analyzer"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "loader":
			loader = true
		case "symtab":
			symtab = true
		case "demangle":
			demangle = true
		case "correlate":
			correlate = true
		case "report":
			report = true
		case "analyzer":
			analyzer = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'membrowse help log' for usage.\n", logcmd)
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

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
	color bool
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := new(strings.Builder)

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), f.level(entry.Level))

	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "layer=%v ", layer)
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "layer" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%v ", k, entry.Data[k])
	}

	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func (f *textFormatter) level(lvl logrus.Level) string {
	s := strings.ToLower(lvl.String())
	if !f.color {
		return s
	}
	switch lvl {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "\x1b[31m" + s + "\x1b[0m"
	case logrus.WarnLevel:
		return "\x1b[33m" + s + "\x1b[0m"
	case logrus.DebugLevel, logrus.TraceLevel:
		return "\x1b[36m" + s + "\x1b[0m"
	}
	return s
}
