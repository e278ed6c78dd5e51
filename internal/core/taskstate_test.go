package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateLogCaps(t *testing.T) {
	s := NewTaskState(&Task{})
	for i := 0; i < MaxLogEntries+5; i++ {
		s.AddLog("log", "x")
	}
	assert.Len(t, s.Logs(), MaxLogEntries)

	s2 := NewTaskState(&Task{})
	s2.AddLog("log", strings.Repeat("a", MaxLogMessageSize+10))
	logs := s2.Logs()
	require.Len(t, logs, 1)
	assert.True(t, strings.HasSuffix(logs[0].Message, "...(truncated)"))
}

func TestTaskStateLogText(t *testing.T) {
	s := NewTaskState(&Task{})
	assert.Equal(t, "", s.LogText())
	s.AddLog("log", "one")
	s.AddLog("warn", "two")
	assert.Equal(t, "one\ntwo", s.LogText())
}

func TestTaskStateCleanupOrder(t *testing.T) {
	s := NewTaskState(&Task{})
	var order []int
	s.RegisterCleanup(func() { order = append(order, 1) })
	s.RegisterCleanup(func() { order = append(order, 2) })
	s.Close()
	s.Close()
	assert.Equal(t, []int{2, 1}, order)

	ran := false
	s.RegisterCleanup(func() { ran = true })
	assert.True(t, ran, "cleanup registered after Close runs immediately")
}

func TestTaskErrorIs(t *testing.T) {
	err := Errorf(KindTimeout, "Script execution timed out after %dms", 50)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrExecution)
	assert.Equal(t, KindTimeout, Classify(err))
	assert.Equal(t, "Script execution timed out after 50ms", Message(err))

	wrapped := NewTaskError(KindPolicy, "", ErrPolicyViolation)
	assert.Equal(t, KindPolicy, Classify(wrapped))
	assert.Equal(t, ErrPolicyViolation.Error(), wrapped.Message)

	res := Failure(err)
	assert.False(t, res.Success)
	assert.Equal(t, "Script execution timed out after 50ms", res.Message)
}
