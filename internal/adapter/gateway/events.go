package gateway

import gw "github.com/clawtrol/clawtrol/internal/port/gateway"

// eventAliases normalizes external event names to semantic ones. The gateway
// has renamed several events over protocol revisions and still emits the old
// names depending on server version; business logic only ever sees the
// normalized name.
var eventAliases = map[string]string{
	"connect.challenge": eventChallenge,

	"approval.requested":  gw.EventApprovalRequested,
	"approval_requested":  gw.EventApprovalRequested,
	"approvals.requested": gw.EventApprovalRequested,
	"approval.resolved":   gw.EventApprovalResolved,
	"approval_resolved":   gw.EventApprovalResolved,
	"approvals.resolved":  gw.EventApprovalResolved,

	"session.spawn.started":    gw.EventSpawnStarted,
	"sessions.spawn_started":   gw.EventSpawnStarted,
	"spawn.started":            gw.EventSpawnStarted,
	"session.spawn.completed":  gw.EventSpawnCompleted,
	"sessions.spawn_completed": gw.EventSpawnCompleted,
	"spawn.completed":          gw.EventSpawnCompleted,
	"spawn.finished":           gw.EventSpawnCompleted,

	"agent": gw.EventAgentStream,
}

// eventChallenge is internal to the handshake and never reaches subscribers.
const eventChallenge = "connect.challenge"

// normalizeEvent maps an external event name to its semantic name.
// Unknown names pass through unchanged so new server events are observable.
func normalizeEvent(name string) string {
	if canonical, ok := eventAliases[name]; ok {
		return canonical
	}
	return name
}
