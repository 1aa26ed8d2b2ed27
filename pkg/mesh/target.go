package mesh

import (
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
)

type Kind uint8

const (
	KindUnicast Kind = iota + 1
	KindMulticast
	KindRandomcast
	KindBroadcast
	KindLoopback
	KindHashcast
)

func (k Kind) String() string {
	switch k {
	case KindUnicast:
		return "unicast"
	case KindMulticast:
		return "multicast"
	case KindRandomcast:
		return "randomcast"
	case KindBroadcast:
		return "broadcast"
	case KindLoopback:
		return "loopback"
	case KindHashcast:
		return "hashcast"
	default:
		return "unknown"
	}
}

// Target selects the recipients of a request.
type Target struct {
	Kind Kind
	ID   uuid.UUID // unicast
	Type string    // multicast, randomcast, hashcast
	Key  string    // hashcast
}

func Unicast(id uuid.UUID) Target  { return Target{Kind: KindUnicast, ID: id} }
func Multicast(typ string) Target  { return Target{Kind: KindMulticast, Type: typ} }
func Randomcast(typ string) Target { return Target{Kind: KindRandomcast, Type: typ} }
func Broadcast() Target            { return Target{Kind: KindBroadcast} }
func Loopback() Target             { return Target{Kind: KindLoopback} }

// Hashcast picks one peer of typ by consistent hashing of key, so the same
// key keeps landing on the same peer while membership is stable.
func Hashcast(typ, key string) Target { return Target{Kind: KindHashcast, Type: typ, Key: key} }

func (t Target) String() string {
	switch t.Kind {
	case KindUnicast:
		return fmt.Sprintf("unicast(%s)", t.ID)
	case KindMulticast, KindRandomcast:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Type)
	case KindHashcast:
		return fmt.Sprintf("hashcast(%s,%s)", t.Type, t.Key)
	default:
		return t.Kind.String() + "()"
	}
}

// Resolve turns a target into concrete ids. Loopback and unicast to self
// never consult the snapshot. An empty result is valid.
func Resolve(t Target, snap *registry.Snapshot, self uuid.UUID) []uuid.UUID {
	switch t.Kind {
	case KindLoopback:
		return []uuid.UUID{self}
	case KindUnicast:
		if t.ID == self {
			return []uuid.UUID{self}
		}
		if snap.Contains(t.ID) {
			return []uuid.UUID{t.ID}
		}
		return nil
	case KindMulticast:
		return snap.OfType(t.Type)
	case KindRandomcast:
		ids := snap.OfType(t.Type)
		if len(ids) == 0 {
			return nil
		}
		return []uuid.UUID{ids[rand.IntN(len(ids))]}
	case KindBroadcast:
		return snap.All()
	case KindHashcast:
		r := snap.Ring(t.Type)
		if r == nil {
			return nil
		}
		id, err := uuid.Parse(r.Lookup([]byte(t.Key)))
		if err != nil {
			return nil
		}
		return []uuid.UUID{id}
	default:
		return nil
	}
}
