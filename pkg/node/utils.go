package node

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
)

var ErrBadTarget = errors.New("node: bad target")

// ParseTarget reads a mesh target from query parameters: target is one of
// unicast (with id), multicast, randomcast or hashcast (with type, and key
// for hashcast), broadcast or loopback. It defaults to loopback.
func ParseTarget(q url.Values) (mesh.Target, error) {
	typ := q.Get("type")
	switch kind := q.Get("target"); kind {
	case "", "loopback":
		return mesh.Loopback(), nil
	case "broadcast":
		return mesh.Broadcast(), nil
	case "unicast":
		id, err := uuid.Parse(q.Get("id"))
		if err != nil {
			return mesh.Target{}, fmt.Errorf("%w: unicast needs a valid id", ErrBadTarget)
		}
		return mesh.Unicast(id), nil
	case "multicast", "randomcast", "hashcast":
		if typ == "" {
			return mesh.Target{}, fmt.Errorf("%w: %s needs a type", ErrBadTarget, kind)
		}
		switch kind {
		case "multicast":
			return mesh.Multicast(typ), nil
		case "randomcast":
			return mesh.Randomcast(typ), nil
		}
		key := q.Get("key")
		if key == "" {
			return mesh.Target{}, fmt.Errorf("%w: hashcast needs a key", ErrBadTarget)
		}
		return mesh.Hashcast(typ, key), nil
	default:
		return mesh.Target{}, fmt.Errorf("%w: unknown target %q", ErrBadTarget, kind)
	}
}
