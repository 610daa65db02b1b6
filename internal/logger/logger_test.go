package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagPrefixesMessages(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Tag("聚合").Infof("提交 %d 行", 3)
	assert.Contains(t, buf.String(), "[聚合] 提交 3 行")
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel("warn")
	defer SetLevel("info")

	Debugf("debug-msg")
	Tag("x").Debugf("tagged-debug-msg")
	Warnf("warn-msg")

	out := buf.String()
	assert.NotContains(t, out, "debug-msg")
	assert.NotContains(t, out, "tagged-debug-msg")
	assert.Contains(t, out, "warn-msg")
}
