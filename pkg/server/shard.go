package server

import (
	"net/http"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// ShardRouter assigns each document id to exactly one infinoted replica by
// rendezvous (highest random weight) hashing, the way etalazz-vsa's rate
// limiter uses consistent hashing to pin a key to one owner: every replica
// computes the same winner from the same node list, so two replicas never
// independently create divergent Sessions for the same document.
type ShardRouter struct {
	self string
	ring *rendezvous.Rendezvous
	urls map[string]string // node name -> externally reachable base URL
}

// NewShardRouter builds a router over nodes (self included). urls maps each
// node name to the base URL (e.g. "http://infinoted-2:3030") clients should
// be redirected to when a document isn't owned locally; self's own entry in
// urls is unused. A single-node deployment (len(nodes) == 1) makes every
// document local, so ShardRouter is harmless to wire in unconditionally.
func NewShardRouter(self string, nodes []string, urls map[string]string) *ShardRouter {
	ring := rendezvous.New(nodes, hashNode)
	return &ShardRouter{self: self, ring: ring, urls: urls}
}

// hashNode adapts xxhash to the Hasher shape rendezvous.New expects
// (func(string) uint64).
func hashNode(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Owner returns the node name that owns docID.
func (s *ShardRouter) Owner(docID string) string {
	return s.ring.Lookup(docID)
}

// Owns reports whether docID is assigned to this node.
func (s *ShardRouter) Owns(docID string) bool {
	return s.Owner(docID) == s.self
}

// RedirectIfRemote writes an HTTP redirect to docID's owning node and
// reports true if it did so; callers should stop handling the request when
// it returns true. WebSocket upgrade requests follow redirects the same as
// plain HTTP, since the Upgrade handshake itself is an HTTP request.
func (s *ShardRouter) RedirectIfRemote(w http.ResponseWriter, r *http.Request, docID string) bool {
	owner := s.Owner(docID)
	if owner == s.self {
		return false
	}
	base, ok := s.urls[owner]
	if !ok {
		http.Error(w, "document owner unreachable", http.StatusBadGateway)
		return true
	}
	http.Redirect(w, r, base+r.URL.Path+"?"+r.URL.RawQuery, http.StatusTemporaryRedirect)
	return true
}
