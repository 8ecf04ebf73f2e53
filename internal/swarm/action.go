package swarm

import "github.com/arannis/meshcast/internal/chunker"

// ActionKind is one of the five intents a Manager may emit.
type ActionKind int

const (
	RequestChunk ActionKind = iota
	SendPiece
	BroadcastHave
	DownloadProgress
	DownloadComplete
)

func (k ActionKind) String() string {
	switch k {
	case RequestChunk:
		return "request_chunk"
	case SendPiece:
		return "send_piece"
	case BroadcastHave:
		return "broadcast_have"
	case DownloadProgress:
		return "download_progress"
	case DownloadComplete:
		return "download_complete"
	default:
		return "unknown"
	}
}

// Action is a single intent returned by a Manager call. The coordinator
// pattern-matches on Kind and dispatches to Transport, the scene sink, or
// the tracker client; Manager itself never performs any of this.
type Action struct {
	Kind      ActionKind
	ContentID string
	PeerID    string // RequestChunk, SendPiece: the peer to address
	Index     int    // RequestChunk, SendPiece, BroadcastHave
	Piece     chunker.Piece // SendPiece: the verified piece to transmit
	Percent   int           // DownloadProgress
}

func requestChunkAction(peerID, contentID string, index int) Action {
	return Action{Kind: RequestChunk, ContentID: contentID, PeerID: peerID, Index: index}
}

func sendPieceAction(peerID, contentID string, p chunker.Piece) Action {
	return Action{Kind: SendPiece, ContentID: contentID, PeerID: peerID, Index: p.Index, Piece: p}
}

func broadcastHaveAction(contentID string, index int) Action {
	return Action{Kind: BroadcastHave, ContentID: contentID, Index: index}
}

func downloadProgressAction(contentID string, percent int) Action {
	return Action{Kind: DownloadProgress, ContentID: contentID, Percent: percent}
}

func downloadCompleteAction(contentID string) Action {
	return Action{Kind: DownloadComplete, ContentID: contentID}
}
