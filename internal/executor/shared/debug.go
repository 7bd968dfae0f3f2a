package shared

import (
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/logger"
)

// ioDump controls whether raw protocol lines are logged.
// Enable via LOG_EXECUTOR_IO=true.
var ioDump = os.Getenv("LOG_EXECUTOR_IO") == "true"

// Protocol names used in dump and trace labels.
const (
	ProtocolStreamJSON = "streamjson"
	ProtocolAppServer  = "appserver"
)

const dumpLineLimit = 1200

// resultSummaryFields is the whitelist kept when dumping result frames.
// Result payloads can carry the engine's full final message; everything
// outside this list is dropped before logging.
var resultSummaryFields = []string{
	"type", "subtype", "is_error", "duration_ms", "duration_api_ms",
	"num_turns", "total_cost_usd", "usage", "session_id",
}

// IODumpEnabled reports whether protocol I/O dumping is on.
func IODumpEnabled() bool {
	return ioDump
}

// DumpProtocolLine logs one line flowing to or from an engine child.
// direction is the protocol client's DirSend or DirRecv value.
func DumpProtocolLine(log *logger.Logger, protocol, executionID, direction string, line []byte) {
	if !ioDump {
		return
	}
	log.Debug("protocol line",
		zap.String("protocol", protocol),
		zap.String("execution_id", executionID),
		zap.String("direction", direction),
		zap.String("line", Truncate(string(sanitizeResultLine(line)), dumpLineLimit)))
}

// sanitizeResultLine reduces result frames to their summary fields so dumps
// stay readable. Non-result lines pass through untouched.
func sanitizeResultLine(line []byte) []byte {
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		return line
	}
	if t, _ := m["type"].(string); t != "result" {
		return line
	}
	out := make(map[string]any, len(resultSummaryFields))
	for _, k := range resultSummaryFields {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return line
	}
	return data
}

// Truncate caps s at maxLen, marking the cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
