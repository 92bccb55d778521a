package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert raises an operator alert. It logs for now; audit write failures are
// the only caller and are also counted in AuditWriteFailures.
func Alert(message string, labels map[string]string) {
	fields := make(map[string]any, len(labels))
	for k, v := range labels {
		fields[k] = v
	}
	log.Error().
		Str("alert", message).
		Fields(fields).
		Msg("ALERT: audit trail write failed")
}
