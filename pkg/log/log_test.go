package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildLoggersChainDirectly(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("transport").Debug().Str("peer", "1.2.3.4:7771").Msg("dialing")
	WithTaskID("t1").Info().Msg("claimed")
	WithNodeID("aaaa").Warn().Msg("peer lost")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"component":"transport"`)
	assert.Contains(t, lines[1], `"task_id":"t1"`)
	assert.Contains(t, lines[2], `"node_id":"aaaa"`)
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("gossip").Debug().Msg("suppressed")
	WithComponent("gossip").Error().Msg("kept")

	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "kept")
}
