package status

import (
	"github.com/dgnsrekt/gpuchannel/internal/channel"
	"github.com/dgnsrekt/gpuchannel/internal/syncpoint"
)

// Report is one status sample of the GPU process.
type Report struct {
	BroadcasterID string          `json:"broadcaster_id"`
	Timestamp     int64           `json:"timestamp"`
	Sequence      uint64          `json:"sequence"`
	Channels      []channel.Stats `json:"channels"`
	SyncPoints    syncpoint.Stats `json:"sync_points"`
	Connections   int             `json:"connections"`
	LiveExecutors int64           `json:"live_executors"`
}
