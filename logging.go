package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Loggers holds one entry per subsystem. Every entry carries a "name" field
// and writes to the console and the rotated log file.
type Loggers struct {
	Core    *logrus.Entry
	Engine  *logrus.Entry
	SIP     *logrus.Entry
	HTTP    *logrus.Entry
	Pstream *logrus.Entry

	file *lumberjack.Logger
}

// levels maps the 0..6 settings scale to logrus; 6 and above is off.
var levels = []logrus.Level{
	logrus.TraceLevel,
	logrus.DebugLevel,
	logrus.InfoLevel,
	logrus.WarnLevel,
	logrus.ErrorLevel,
	logrus.FatalLevel,
}

func toLogrusLevel(v int) logrus.Level {
	if v < 0 {
		v = 0
	}
	if v >= len(levels) {
		return logrus.PanicLevel
	}
	return levels[v]
}

// initLogging builds the subsystem loggers from the [logging] section.
func initLogging(cfg *ini.File) *Loggers {
	sec := cfg.Section("logging")
	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	l := &Loggers{file: &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("pstnbridge.log"),
		MaxSize:    sec.Key("max_size").MustInt(100), // megabytes
		MaxBackups: sec.Key("max_backups").MustInt(1),
	}}
	sinks := []writerHook{
		{Writer: os.Stdout, LogLevels: levelsUpTo(consoleMin)},
		{Writer: l.file, LogLevels: levelsUpTo(fileMin)},
	}
	build := func(name string, def int, drop func(*logrus.Entry) bool) *logrus.Entry {
		return newLogger(name, toLogrusLevel(sec.Key(name).MustInt(def)), sinks, drop)
	}

	var dropSIP func(*logrus.Entry) bool
	if !sec.Key("sip_messages").MustBool(true) {
		dropSIP = isSIPMessage
	}

	l.Core = build("core", 2, nil)
	l.Engine = build("engine", 2, nil)
	l.SIP = build("sip", 2, dropSIP)
	l.HTTP = build("http", 3, nil)
	l.Pstream = build("pstream", 2, nil)
	return l
}

// Close flushes and closes the log file.
func (l *Loggers) Close() {
	if l.file != nil {
		_ = l.file.Close()
	}
}

// writerHook writes entries of the given levels to Writer unless Drop
// rejects them.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
	Drop      func(*logrus.Entry) bool
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if h.Drop != nil && h.Drop(e) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level { return h.LogLevels }

func newLogger(name string, level logrus.Level, sinks []writerHook, drop func(*logrus.Entry) bool) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	for _, h := range sinks {
		h.Drop = drop
		logger.AddHook(&h)
	}
	return logger.WithField("name", name)
}

func levelsUpTo(min logrus.Level) []logrus.Level {
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= min {
			out = append(out, l)
		}
	}
	return out
}

// isSIPMessage matches the full message dumps of the SIP stack.
func isSIPMessage(e *logrus.Entry) bool {
	return strings.HasPrefix(e.Message, "received SIP message:") || strings.HasPrefix(e.Message, "sending SIP message:")
}
