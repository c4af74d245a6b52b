package supervisor

import (
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
	"github.com/dull-quay940/mcp-supervisor/internal/reaper"
	"github.com/dull-quay940/mcp-supervisor/internal/session"
)

// event is anything processed by the supervisor loop. Every registry
// mutation happens while handling exactly one event.
type event interface{}

type spawnReply struct {
	session session.Session
	err     error
}

type spawnRequest struct {
	spec   catalog.WorkerSpec
	params protocol.Params
	reply  chan spawnReply
}

type backendStarted struct {
	sessionID string
	handle    backend.Handle
	err       error
}

type messageReceived struct {
	sessionID string
	message   protocol.Message
}

type backendExited struct {
	sessionID string
	exit      backend.Exit
}

type stopRequest struct {
	sessionID string
	reply     chan bool
}

type queryRequest struct {
	sessionID string
	reply     chan queryReply
}

type queryReply struct {
	session session.Session
	found   bool
}

type listRequest struct {
	reply chan []session.Session
}

type statsRequest struct {
	reply chan Stats
}

type awaitRequest struct {
	sessionID string
	reply     chan (<-chan session.Session)
}

type sweepEvent struct {
	now time.Time
}

type telemetrySampled struct {
	readings []reaper.Reading
}

type shutdownRequest struct {
	reply chan []<-chan struct{}
}
