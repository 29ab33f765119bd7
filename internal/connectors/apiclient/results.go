package apiclient

import "github.com/orionX123/billing/internal/connectors/registry"

const maxResultMessageLen = 500

// ProbeFailed converts a probe error into a failed ProbeResult.
func ProbeFailed(err error) registry.ProbeResult {
	msg := "probe failed"
	if err != nil {
		msg = registry.TruncateMessage(err.Error(), maxResultMessageLen)
	}
	return registry.ProbeResult{OK: false, Message: msg}
}

// PushFailed records a per-record push failure.
func PushFailed(rec registry.Record, err error) registry.PushResult {
	return registry.PushResult{
		LocalID:    rec.LocalID,
		ExternalID: rec.ExternalID,
		OK:         false,
		Error:      registry.TruncateMessage(err.Error(), maxResultMessageLen),
	}
}

// PushOK records a successful push and the provider id it produced.
func PushOK(rec registry.Record, externalID string) registry.PushResult {
	if externalID == "" {
		externalID = rec.ExternalID
	}
	return registry.PushResult{LocalID: rec.LocalID, ExternalID: externalID, OK: true}
}
