// Package gateway runs the consent engine as a network service.
//
// # Overview
//
// New builds every component from a config.Config: the store selected by
// database.driver, the analyzer selected by analyzer.kind, the transport
// gate plus any Matrix transport, the message Hub, the audit Logger and the
// monitoring Supervisor. Run restores persisted monitors, serves HTTP (and
// the gRPC health service when grpc_addr is set) on TCP or on a tailnet via
// tsnet, and shuts everything down when its context ends.
//
// # HTTP API
//
//	POST   /api/conversations                 start monitoring {conversation_id, participants:[a,b]}
//	GET    /api/conversations/{id}            current verification record
//	DELETE /api/conversations/{id}            stop monitoring (record kept)
//	POST   /api/conversations/{id}/refresh    evaluate now
//	POST   /api/conversations/{id}/resume     resume a paused conversation
//	POST   /api/conversations/{id}/messages   ingest a chat message
//	GET    /api/conversations/{id}/audit      audit trail, newest first (?limit=, ?action=)
//	GET    /api/conversations/{id}/events     SSE state events
//	GET    /api/conversations/{id}/ws         websocket state events
//	GET    /health, /health/ready             liveness / readiness
//
// With auth.jwt_secret set, every /api route requires a bearer token and
// the token subject is the requester of resume and the sender of messages.
// Per-conversation routes answer 403 unless the subject is one of the
// conversation's participants, and start requires the subject to be listed
// in participants.
//
// # Error Mapping
//
//	monitor.ErrInvalidParticipants  400
//	monitor.ErrNotFound             404
//	monitor.ErrUnauthorized         403
//	monitor.ErrScoreTooLow          409
//	transport.ErrSendingPaused      423
//	score.ErrInvalidSnapshot        502
//	monitor.ErrAnalyzerUnavailable  503
//
// Refresh and resume failures carry the unchanged record in the body.
package gateway
