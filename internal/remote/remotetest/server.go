// Package remotetest provides an in-process index service for tests. It
// holds the workspace path key so it can map encoded paths back to plain
// ones and compute directory hashes the same way the client does.
package remotetest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/adamavenir/codeindex/internal/merkle"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/remote"
)

// Token is the bearer token the fake accepts.
const Token = "test-token"

// Upload records one received file.
type Upload struct {
	CodebaseID     string
	Path           string
	ContentHash    string
	AncestorSpline []string
}

type codebase struct {
	files    map[string]string
	contents map[string]string
}

// Server is a fake index service.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	scheme     *pathenc.Scheme
	codebases  map[string]*codebase
	ids        map[string]string
	uploads    []Upload
	handshakes int
	ensures    int
	confirms   int
	reconciles int
	failures   map[string]int
	dropNextID bool
}

// New starts a fake service that decodes paths with pathKey.
func New(pathKey []byte) (*Server, error) {
	scheme, err := pathenc.NewScheme(pathKey)
	if err != nil {
		return nil, err
	}
	s := &Server{
		scheme:    scheme,
		codebases: map[string]*codebase{},
		ids:       map[string]string{},
		failures:  map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(remote.PathHandshake, s.handleHandshake)
	mux.HandleFunc(remote.PathReconcile, s.handleReconcile)
	mux.HandleFunc(remote.PathUpload, s.handleUpload)
	mux.HandleFunc(remote.PathEnsure, s.handleEnsure)
	mux.HandleFunc(remote.PathConfirm, s.handleConfirm)
	mux.HandleFunc(remote.PathSearch, s.handleSearch)
	s.Server = httptest.NewServer(s.auth(mux))
	return s, nil
}

// SetScheme switches the key the fake decodes with, for workspaces whose key
// is generated after the server starts.
func (s *Server) SetScheme(pathKey []byte) error {
	scheme, err := pathenc.NewScheme(pathKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.scheme = scheme
	s.mu.Unlock()
	return nil
}

// FailNext makes the next n requests to endpoint fail with a 503.
func (s *Server) FailNext(endpoint string, n int) {
	s.mu.Lock()
	s.failures[endpoint] = n
	s.mu.Unlock()
}

// OmitNextCodebaseID makes the next handshake reply without a codebase ID.
func (s *Server) OmitNextCodebaseID() {
	s.mu.Lock()
	s.dropNextID = true
	s.mu.Unlock()
}

// Seed stores files as if they had already been uploaded.
func (s *Server) Seed(codebaseID string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.codebase(codebaseID)
	for rel, content := range files {
		cb.files[rel] = merkle.HashBytes([]byte(content))
		cb.contents[rel] = content
	}
}

// Files returns the plain path to content hash map for a codebase.
func (s *Server) Files(codebaseID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	if cb, ok := s.codebases[codebaseID]; ok {
		for k, v := range cb.files {
			out[k] = v
		}
	}
	return out
}

// Uploads returns every upload received so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// ResetCounters clears uploads and call counts.
func (s *Server) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = nil
	s.handshakes, s.ensures, s.confirms, s.reconciles = 0, 0, 0, 0
}

// Counts returns handshake, ensure, confirm and reconcile call counts.
func (s *Server) Counts() (handshakes, ensures, confirms, reconciles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes, s.ensures, s.confirms, s.reconciles
}

// Decode maps an encoded path with the fake's key.
func (s *Server) Decode(encoded string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheme.Decode(encoded)
}

// Encode maps a plain path with the fake's key.
func (s *Server) Encode(rel string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheme.Encode(rel)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
			return
		}
		s.mu.Lock()
		if n := s.failures[r.URL.Path]; n > 0 {
			s.failures[r.URL.Path] = n - 1
			s.mu.Unlock()
			writeError(w, http.StatusServiceUnavailable, "unavailable", "injected failure")
			return
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req remote.HandshakeRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	s.handshakes++
	identity := req.PathKeyHash + "|" + req.Repository.Name
	id, ok := s.ids[identity]
	if !ok {
		sum := sha256.Sum256([]byte(identity))
		id = "cb-" + hex.EncodeToString(sum[:6])
		s.ids[identity] = id
	}
	s.codebase(id)
	drop := s.dropNextID
	s.dropNextID = false
	s.mu.Unlock()

	if drop {
		id = ""
	}
	writeMessage(w, remote.HandshakeResponse{CodebaseID: id, Status: "ok"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req remote.ReconcileRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciles++

	rel, err := s.scheme.Decode(req.EncodedPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_path", err.Error())
		return
	}
	cb, ok := s.codebases[req.CodebaseID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_codebase", req.CodebaseID)
		return
	}

	tree := merkle.FromFileHashes(cb.files)
	node, ok := tree.Node(rel)
	if !ok {
		writeMessage(w, remote.ReconcileResponse{})
		return
	}
	if node.Hash == req.Hash {
		writeMessage(w, remote.ReconcileResponse{Match: true})
		return
	}
	resp := remote.ReconcileResponse{}
	for _, child := range node.Children {
		childNode, _ := tree.Node(child)
		resp.Children = append(resp.Children, remote.NodeHash{
			EncodedPath: s.scheme.Encode(child),
			Hash:        childNode.Hash,
		})
	}
	writeMessage(w, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req remote.UploadRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, err := s.scheme.Decode(req.EncodedPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_path", err.Error())
		return
	}
	if merkle.HashBytes(req.Content) != req.ContentHash {
		writeError(w, http.StatusBadRequest, "hash_mismatch", rel)
		return
	}
	spline := make([]string, 0, len(req.AncestorSpline))
	for _, enc := range req.AncestorSpline {
		plain, err := s.scheme.Decode(enc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_spline", err.Error())
			return
		}
		spline = append(spline, plain)
	}
	cb := s.codebase(req.CodebaseID)
	cb.files[rel] = req.ContentHash
	cb.contents[rel] = string(req.Content)
	s.uploads = append(s.uploads, Upload{
		CodebaseID:     req.CodebaseID,
		Path:           rel,
		ContentHash:    req.ContentHash,
		AncestorSpline: spline,
	})
	writeMessage(w, nil)
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	var req remote.EnsureIndexRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	s.ensures++
	s.mu.Unlock()
	writeMessage(w, nil)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req remote.ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status != remote.SyncStatusSuccess {
		writeError(w, http.StatusBadRequest, "bad_status", fmt.Sprint(req.Status))
		return
	}
	s.mu.Lock()
	s.confirms++
	s.mu.Unlock()
	writeMessage(w, nil)
}

// handleSearch returns every file whose content contains the query, in path
// order, with a score that decreases by position.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req remote.SearchRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.codebases[req.CodebaseID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_codebase", req.CodebaseID)
		return
	}
	var paths []string
	for rel, content := range cb.contents {
		if strings.Contains(content, req.Query) {
			paths = append(paths, rel)
		}
	}
	sort.Strings(paths)
	resp := remote.SearchResponse{}
	for i, rel := range paths {
		if req.TopK > 0 && i >= req.TopK {
			break
		}
		lines := strings.Count(cb.contents[rel], "\n") + 1
		resp.Results = append(resp.Results, remote.SearchResult{
			EncodedPath: s.scheme.Encode(rel),
			Score:       1 / float32(i+1),
			StartLine:   1,
			EndLine:     lines,
		})
	}
	writeMessage(w, resp)
}

func (s *Server) codebase(id string) *codebase {
	cb, ok := s.codebases[id]
	if !ok {
		cb = &codebase{files: map[string]string{}, contents: map[string]string{}}
		s.codebases[id] = cb
	}
	return cb
}

type wireDecoder interface {
	UnmarshalWire([]byte) error
}

type wireMessage interface {
	MarshalWire() []byte
}

func decode(w http.ResponseWriter, r *http.Request, msg wireDecoder) bool {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", err.Error())
		return false
	}
	if err := msg.UnmarshalWire(data); err != nil {
		writeError(w, http.StatusBadRequest, "decode_failed", err.Error())
		return false
	}
	return true
}

func writeMessage(w http.ResponseWriter, msg wireMessage) {
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	if msg != nil {
		_, _ = w.Write(msg.MarshalWire())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q,"message":%q}`, code, message)
}
