package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
)

// Healthz returns 200 OK to indicate the service is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Info writes this service's Status as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.Status())
}

type slotJSON struct {
	Target string       `json:"target"`
	Body   mesh.Message `json:"body,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type sendResponse struct {
	Target    string     `json:"target"`
	Opcode    string     `json:"opcode"`
	Responses []slotJSON `json:"responses"`
}

// Send forwards the JSON body as a request for {opcode} to the target named
// in the query string and waits for every reply:
//
//	POST /rpc/mesh.ping?target=multicast&type=logic&timeout=2s
func (n *Node) Send(w http.ResponseWriter, r *http.Request) {
	opcode := r.PathValue("opcode")
	target, err := ParseTarget(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := mesh.Message{}
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "body must be a JSON object: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	resp, err := n.mesh.Request(ctx, target, opcode, req)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "timed out waiting for replies", http.StatusGatewayTimeout)
		return
	case errors.Is(err, mesh.ErrEmptyOpcode):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		n.logger.Warn("gateway request failed", zap.String("opcode", opcode), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	out := sendResponse{Target: target.String(), Opcode: opcode, Responses: make([]slotJSON, len(resp))}
	for i, s := range resp {
		out.Responses[i] = slotJSON{Target: s.Target.String(), Body: s.Body, Error: s.Error}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return defaultRequestTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.New("invalid timeout")
	}
	return min(d, maxRequestTimeout), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
