package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "watermill"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})
	logger.Warn("careful", LogFields{"queue": "records"})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	require.Len(t, base.entries, 7)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "watermill", base.entries[0].fields["component"])
	assert.Equal(t, "info", base.entries[4].level)
	assert.Equal(t, "warn", base.entries[4].fields["level"])
	assert.Equal(t, "records", base.entries[4].fields["queue"])
	assert.Equal(t, "with", base.entries[5].level)
	assert.Equal(t, "yes", base.entries[5].fields["child"])
}

func TestWatermillServiceLoggerPanicsOnNilLogger(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
}

func TestSlogLoggerPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
}

func TestSlogServiceLoggerWritesAllLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	base := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := NewSlogServiceLogger(base).With(LogFields{"queue": "records"})

	logger.Info("hello", LogFields{"k": "v"})
	logger.Warn("producer disabled", nil)
	logger.Error("failed", errors.New("boom"), nil)

	out := buf.String()
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "k=v")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "msg=\"producer disabled\"")
	assert.Contains(t, out, "boom")
	assert.Equal(t, 3, strings.Count(out, "queue=records"))
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)

	child := adapter.With(watermill.LogFields{"child": "yes"})
	typedChild, ok := child.(*serviceLoggerAdapter)
	require.True(t, ok)
	childBase, ok := typedChild.base.(*recordingServiceLogger)
	require.True(t, ok)
	child.Info("child_info", nil)

	assert.Len(t, base.entries, 4)
	require.Len(t, childBase.entries, 2)
	assert.Equal(t, "yes", childBase.entries[0].fields["child"])
}

func TestObservedWatermillAdapterSeesErrors(t *testing.T) {
	var observed []error
	adapter := NewObservedWatermillAdapter(&recordingServiceLogger{}, func(msg string, err error, fields LogFields) {
		observed = append(observed, err)
	})

	boom := errors.New("connection reset")
	adapter.Info("fine", nil)
	adapter.Error("nil error is not observed", nil, nil)
	adapter.With(watermill.LogFields{"topic": "records"}).Error("subscriber failed", boom, nil)

	require.Len(t, observed, 1)
	assert.Same(t, boom, observed[0])
}

func TestWatermillAdapterPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))
	assert.Nil(t, toSlogArgs(nil))

	wm := toWatermillFields(LogFields{"a": 1})
	assert.Equal(t, 1, wm["a"])
	lf := fromWatermillFields(wm)
	assert.Equal(t, 1, lf["a"])
}

func TestNewZapSlogLogger(t *testing.T) {
	logger, sync, err := NewZapSlogLogger("info", "recordflow-test")
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer sync()

	_, _, err = NewZapSlogLogger("loud", "recordflow-test")
	assert.Error(t, err)
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	if r.sink == nil {
		r.sink = &r.entries
	}
	*r.sink = append(*r.sink, entry)
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := newRecordingWatermillLogger()
	child.sink = r.sink
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	cloned := &recordingServiceLogger{}
	cloned.entries = append(cloned.entries, loggedEntry{level: "with", fields: fields})
	return cloned
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Warn(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "warn", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}
