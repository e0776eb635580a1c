// ABOUTME: On-disk store of paired bridge nodes with bcrypt-hashed tokens.
// ABOUTME: TOML document written atomically; tokens are never stored plain.

package pairing

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrNodeNotFound indicates no pairing record exists for the node.
var ErrNodeNotFound = errors.New("node not paired")

// Node is one paired bridge peer. TokenHash is the bcrypt hash of the token
// minted at approval; the plain token lives only on the node.
type Node struct {
	ID          string    `toml:"id" json:"id"`
	DisplayName string    `toml:"display_name" json:"displayName,omitempty"`
	Platform    string    `toml:"platform" json:"platform,omitempty"`
	Caps        []string  `toml:"caps" json:"caps,omitempty"`
	Commands    []string  `toml:"commands" json:"commands,omitempty"`
	TokenHash   string    `toml:"token_hash" json:"-"`
	PairedAt    time.Time `toml:"paired_at" json:"pairedAt"`
	LastSeen    time.Time `toml:"last_seen" json:"lastSeen"`
}

// document is the TOML file shape.
type document struct {
	Nodes []*Node `toml:"nodes"`
}

// Store persists pairing records at a single file path. All mutations
// rewrite the file atomically.
type Store struct {
	mu     sync.Mutex
	path   string
	nodes  map[string]*Node
	logger *slog.Logger
}

// NewStore loads the pairing file at path, creating parent directories.
// A missing file yields an empty store.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		nodes:  make(map[string]*Node),
		logger: logger.With("component", "pairing"),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pairing file: %w", err)
	}

	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing pairing file: %w", err)
	}
	for _, node := range doc.Nodes {
		s.nodes[node.ID] = node
	}
	s.logger.Info("pairing store loaded", "path", path, "nodes", len(s.nodes))
	return s, nil
}

// Approve pairs a node and mints its token. The returned plain token is
// sent to the node once and never persisted.
func (s *Store) Approve(node Node) (string, error) {
	token := uuid.New().String()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing pairing token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	node.TokenHash = string(hash)
	node.PairedAt = now
	node.LastSeen = now
	s.nodes[node.ID] = &node

	if err := s.saveLocked(); err != nil {
		delete(s.nodes, node.ID)
		return "", err
	}

	s.logger.Info("node paired", "node_id", node.ID, "display_name", node.DisplayName)
	return token, nil
}

// VerifyToken checks a node's presented token against the stored hash.
func (s *Store) VerifyToken(nodeID, token string) bool {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	s.mu.Unlock()

	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(node.TokenHash), []byte(token)) == nil
}

// Get returns a copy of the pairing record for a node.
func (s *Store) Get(nodeID string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// List returns copies of all pairing records.
func (s *Store) List() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, *node)
	}
	return out
}

// TouchLastSeen records node activity. Persisted lazily: last-seen is
// written on the next mutation rather than rewriting the file per ping.
func (s *Store) TouchLastSeen(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.nodes[nodeID]; ok {
		node.LastSeen = time.Now()
	}
}

// Remove unpairs a node.
func (s *Store) Remove(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return ErrNodeNotFound
	}
	delete(s.nodes, nodeID)
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.logger.Info("node unpaired", "node_id", nodeID)
	return nil
}

// saveLocked writes the TOML document atomically. Must be called with mu held.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating pairing directory: %w", err)
	}

	doc := document{Nodes: make([]*Node, 0, len(s.nodes))}
	for _, node := range s.nodes {
		doc.Nodes = append(doc.Nodes, node)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pairing-*")
	if err != nil {
		return fmt.Errorf("creating temp pairing file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding pairing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp pairing file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("setting pairing file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing pairing file: %w", err)
	}
	return nil
}
