package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGolog_WritesPrefixAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New("stream", LevelDebug, &buf)
	l.Info("opened session %s", "s1")

	out := buf.String()
	assert.Contains(t, out, "[stream]")
	assert.Contains(t, out, "opened session s1")
}

func TestGolog_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("x", LevelWarn, &buf)
	l.Debug("hidden")
	l.Info("hidden")
	assert.Empty(t, buf.String())

	l.Warn("visible %d", 1)
	assert.Contains(t, buf.String(), "visible 1")
}

func TestGolog_Named(t *testing.T) {
	var buf bytes.Buffer
	l := New("root", LevelInfo, &buf).Named("cache")
	l.Error("persist failed")
	assert.Contains(t, buf.String(), "[cache]")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelNone, ParseLevel("off"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestOrNoOp(t *testing.T) {
	assert.Equal(t, NoOp, OrNoOp(nil))
	l := New("", LevelInfo, &bytes.Buffer{})
	assert.Equal(t, Logger(l), OrNoOp(l))
}
