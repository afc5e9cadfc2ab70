package remote

import "context"

// Peer is the remote index service.
type Peer interface {
	Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error)
	ReconcileNode(ctx context.Context, req ReconcileRequest) (ReconcileResponse, error)
	UploadFile(ctx context.Context, req UploadRequest) error
	EnsureIndex(ctx context.Context, req EnsureIndexRequest) error
	ConfirmSync(ctx context.Context, req ConfirmRequest) error
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
}

// FingerprintKind names the similarity fingerprint algorithm sent in a handshake.
const FingerprintKind = "SIMHASH"

// UpdateType says how an uploaded file relates to what the peer holds.
type UpdateType int32

const (
	UpdateUnspecified UpdateType = 0
	UpdateUpsert      UpdateType = 1
)

// SyncStatus is reported when a sync run is confirmed.
type SyncStatus int32

const (
	SyncStatusUnspecified SyncStatus = 0
	SyncStatusSuccess     SyncStatus = 1
	SyncStatusFailure     SyncStatus = 2
)

// RepositoryInfo identifies a workspace to the peer without revealing its path.
type RepositoryInfo struct {
	Name                  string
	Owner                 string
	RelativeWorkspacePath string
	IsLocal               bool
	Seed                  int64
}

// HandshakeRequest opens an upload batch.
type HandshakeRequest struct {
	Repository      RepositoryInfo
	RootHash        string
	Fingerprint     []float32
	FingerprintKind string
	PathKeyHash     string
}

// HandshakeResponse carries the codebase ID the peer assigned.
type HandshakeResponse struct {
	CodebaseID string
	Status     string
}

// ReconcileRequest asks whether the peer holds the same hash for one node.
type ReconcileRequest struct {
	CodebaseID  string
	Seed        int64
	EncodedPath string
	Hash        string
}

// NodeHash is the peer's hash for one child node.
type NodeHash struct {
	EncodedPath string
	Hash        string
}

// ReconcileResponse is either a match or a mismatch with child hints.
type ReconcileResponse struct {
	Match    bool
	Children []NodeHash
}

// UploadRequest sends one file's content.
type UploadRequest struct {
	CodebaseID     string
	Seed           int64
	EncodedPath    string
	Content        []byte
	ContentHash    string
	AncestorSpline []string
	UpdateType     UpdateType
}

// EnsureIndexRequest asks the peer to make sure an index exists for a codebase.
type EnsureIndexRequest struct {
	CodebaseID string
}

// ConfirmRequest closes an upload batch or incremental sync.
type ConfirmRequest struct {
	CodebaseID  string
	Status      SyncStatus
	Fingerprint []float32
	PathKeyHash string
}

// SearchRequest queries the remote index.
type SearchRequest struct {
	CodebaseID string
	Query      string
	TopK       int
	Repository RepositoryInfo
}

// SearchResult is one ranked hit. Paths are still encoded.
type SearchResult struct {
	EncodedPath string
	Score       float32
	StartLine   int
	EndLine     int
}

// SearchResponse holds the ranked hits.
type SearchResponse struct {
	Results []SearchResult
}
