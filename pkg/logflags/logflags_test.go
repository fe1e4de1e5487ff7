package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.DebugLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, level)
		}
		if len(fields) != 1 || fields["layer"] != "loader" {
			t.Fatalf("expected fields to be {'layer':'loader'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	loader = true
	defer func() { loader = false }()

	actual := LoaderLogger()
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger_withFlagFalse(t *testing.T) {
	actual := makeFlaggableLogger(false, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected actualEntry.Entry.Logger.Level to be <%v>; but was <%v>", logrus.ErrorLevel, actualEntry.Logger.Level)
	}
	if len(actualEntry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
		t.Fatalf("expected actualEntry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
	}
}

func TestMakeFlaggableLogger_withFlagTrue(t *testing.T) {
	actual := makeFlaggableLogger(true, Fields{"foo": "bar"})
	actualEntry := actual.(*logrusLogger)
	if actualEntry.Entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected actualEntry.Entry.Logger.Level to be <%v>; but was <%v>", logrus.DebugLevel, actualEntry.Logger.Level)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		loader, symtab, demangle, correlate, report, analyzer = false, false, false, false, false, false
	}()

	if err := Setup(false, "loader", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Analyzer() || Loader() {
		t.Fatalf("default log output should only enable the analyzer layer")
	}
	if err := Setup(true, "symtab,correlate", ""); err != nil {
		t.Fatal(err)
	}
	if !Symtab() || !Correlate() || Demangle() || Report() {
		t.Fatalf("wrong layers enabled: symtab=%v correlate=%v demangle=%v report=%v", Symtab(), Correlate(), Demangle(), Report())
	}
}

func TestTextFormatter(t *testing.T) {
	f := &textFormatter{}
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "section overcommitted",
		Data:    logrus.Fields{"section": ".data", "layer": "report", "bytes": 12},
	}
	out, err := f.Format(entry)
	if err != nil {
		t.Fatal(err)
	}
	const want = "2024-01-02T03:04:05Z warning layer=report bytes=12 section=.data section overcommitted\n"
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
	if strings.Contains(string(out), "\x1b[") {
		t.Fatalf("colors emitted without a terminal")
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func TestLoggerFields(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	analyzer = true
	defer func() {
		logOut = nil
		analyzer = false
	}()

	AnalyzerLogger().WithField("binary", "fw.elf").WithFields(Fields{"unit": "main.c"}).Debugf("%d symbols", 3)
	got := out.String()
	if !strings.HasSuffix(got, " debug layer=analyzer binary=fw.elf unit=main.c 3 symbols\n") {
		t.Fatalf("got %q", got)
	}

	out.Reset()
	ReportLogger().Debugf("hidden")
	if out.Len() != 0 {
		t.Fatalf("disabled layer logged %q", out.String())
	}
}
