// Package node is the operator face of a mesh service: health and
// membership endpoints, an HTTP gateway into the mesh, and the built-in
// handlers every service answers.
package node

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
)

const (
	OpPing = "mesh.ping"
	OpInfo = "mesh.info"

	defaultRequestTimeout = 5 * time.Second
	maxRequestTimeout     = time.Minute
)

type Node struct {
	mesh    *mesh.Mesh
	logger  *zap.Logger
	started time.Time
}

func NewNode(m *mesh.Mesh, logger *zap.Logger) *Node {
	return &Node{mesh: m, logger: logger.Named("node"), started: time.Now()}
}

// Register installs the built-in opcodes and the operator routes on the
// mesh listener.
func (n *Node) Register() error {
	if err := n.mesh.Handlers().Add(OpPing, mesh.Bind(n.ping)); err != nil {
		return err
	}
	if err := n.mesh.Handlers().Add(OpInfo, mesh.Bind(n.info)); err != nil {
		return err
	}
	n.mesh.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	n.mesh.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	n.mesh.Handle("POST /rpc/{opcode}", telemetry.Instrument("rpc", http.HandlerFunc(n.Send)))
	return nil
}

type PingRequest struct {
	Payload string `json:"payload,omitempty"`
}

type PingResponse struct {
	Payload string `json:"payload,omitempty"`
	ID      string `json:"id"`
	Type    string `json:"type"`
	Index   int    `json:"index"`
}

func (n *Node) ping(_ context.Context, _ uuid.UUID, req *PingRequest) (*PingResponse, error) {
	self := n.mesh.Self()
	return &PingResponse{Payload: req.Payload, ID: self.ID.String(), Type: self.Type, Index: self.Index}, nil
}

func (n *Node) info(context.Context, uuid.UUID, *struct{}) (*Status, error) {
	s := n.Status()
	return &s, nil
}

// Status summarises this service and its view of the mesh.
type Status struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Index      int            `json:"index"`
	App        string         `json:"app"`
	Addr       string         `json:"addr"`
	Generation uint64         `json:"generation"`
	Members    map[string]int `json:"members"`
	Peers      []string       `json:"peers"`
	Opcodes    []string       `json:"opcodes"`
	Uptime     string         `json:"uptime"`
}

func (n *Node) Status() Status {
	self := n.mesh.Self()
	snap := n.mesh.Snapshot()
	members := make(map[string]int)
	for _, typ := range snap.Types() {
		members[typ] = len(snap.OfType(typ))
	}
	peers := n.mesh.Peers()
	ps := make([]string, len(peers))
	for i, id := range peers {
		ps[i] = id.String()
	}
	return Status{
		ID:         self.ID.String(),
		Type:       self.Type,
		Index:      self.Index,
		App:        self.App,
		Addr:       n.mesh.Addr(),
		Generation: snap.Generation(),
		Members:    members,
		Peers:      ps,
		Opcodes:    n.mesh.Handlers().Opcodes(),
		Uptime:     time.Since(n.started).Truncate(time.Second).String(),
	}
}
