package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []TaskStatus{
		TaskPending, TaskPlanning, TaskBlocked, TaskClaimed,
		TaskInProgress, TaskWaitingInput, TaskPendingReview, TaskMerging,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s to be non-terminal", s)
	}
}

func TestNewer(t *testing.T) {
	tests := []struct {
		name     string
		tsA      uint64
		nodeA    string
		tsB      uint64
		nodeB    string
		expected bool
	}{
		{"higher timestamp wins", 10, "aa", 5, "zz", true},
		{"lower timestamp loses", 5, "zz", 10, "aa", false},
		{"tie broken by higher node id", 7, "ff", 7, "aa", true},
		{"tie broken against lower node id", 7, "aa", 7, "ff", false},
		{"identical record is not newer", 7, "aa", 7, "aa", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Newer(tt.tsA, tt.nodeA, tt.tsB, tt.nodeB))
		})
	}
}

func TestHasCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		agentCaps []string
		required  []string
		expected  bool
	}{
		{"empty required matches any agent", []string{"go"}, nil, true},
		{"empty agent caps are universal", nil, []string{"go", "rust"}, true},
		{"both empty", nil, nil, true},
		{"subset satisfied", []string{"go", "rust", "sql"}, []string{"go", "sql"}, true},
		{"missing capability", []string{"go"}, []string{"go", "rust"}, false},
		{"exact match", []string{"go"}, []string{"go"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HasCapabilities(tt.agentCaps, tt.required))
		})
	}
}
