// Package scene defines the outbound boundary between the coordinator and
// the renderer/3D-scene collaborator, which this module never implements.
// The engine is fully testable without any renderer attached.
package scene

import "github.com/arannis/meshcast/internal/chunker"

// Sink receives every lifecycle event the coordinator publishes outward.
// A caller embedding this module in a renderer implements Sink; tests and
// headless use embed NoopSink.
type Sink interface {
	// OnPeerConnected/OnPeerDisconnected are observability only.
	OnPeerConnected(peerID string)
	OnPeerDisconnected(peerID string)

	// OnModelReceived fires once an artifact's pieces are fully
	// reassembled and verified. blob is the concatenated artifact bytes;
	// pkg carries the transform and provenance to apply alongside it.
	OnModelReceived(pkg chunker.Package, blob []byte)

	// OnDownloadProgress reports 0-100, monotonic within one transfer.
	OnDownloadProgress(contentID string, percent int)
}

// NoopSink implements Sink with no-ops, for coordinators run without a
// renderer attached: pieces are still stored and onModelReceived still
// fires, the collaborator just has nothing to do with it.
type NoopSink struct{}

func (NoopSink) OnPeerConnected(string)                       {}
func (NoopSink) OnPeerDisconnected(string)                    {}
func (NoopSink) OnModelReceived(chunker.Package, []byte)      {}
func (NoopSink) OnDownloadProgress(string, int)               {}
