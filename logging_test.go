package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestToLogrusLevel(t *testing.T) {
	assert.Equal(t, logrus.TraceLevel, toLogrusLevel(-1))
	assert.Equal(t, logrus.TraceLevel, toLogrusLevel(0))
	assert.Equal(t, logrus.InfoLevel, toLogrusLevel(2))
	assert.Equal(t, logrus.FatalLevel, toLogrusLevel(5))
	assert.Equal(t, logrus.PanicLevel, toLogrusLevel(6))
}

func TestLoggerSinks(t *testing.T) {
	var console, file bytes.Buffer
	sinks := []writerHook{
		{Writer: &console, LogLevels: levelsUpTo(logrus.WarnLevel)},
		{Writer: &file, LogLevels: levelsUpTo(logrus.DebugLevel)},
	}
	log := newLogger("engine", logrus.DebugLevel, sinks, nil)

	log.Debug("debug line")
	log.Warn("warn line")
	log.Trace("trace line")

	assert.NotContains(t, console.String(), "debug line")
	assert.Contains(t, console.String(), "warn line")
	assert.Contains(t, file.String(), "debug line")
	assert.Contains(t, file.String(), "name=engine")
	assert.NotContains(t, file.String(), "trace line")
}

func TestLoggerDropsSIPMessages(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("sip", logrus.TraceLevel, []writerHook{{Writer: &buf, LogLevels: logrus.AllLevels}}, isSIPMessage)

	log.Debug("received SIP message:\nINVITE sip:+1@trunk SIP/2.0")
	log.Debug("sending SIP message:\nSIP/2.0 200 OK")
	log.Info("dialog established")

	assert.NotContains(t, buf.String(), "INVITE")
	assert.NotContains(t, buf.String(), "200 OK")
	assert.Contains(t, buf.String(), "dialog established")
}
