package node

import (
	"fmt"

	"github.com/chazu/tether/ref"
	"github.com/chazu/tether/wire"
)

// Handler returns the envelope dispatcher for one worker's registry.
// Each protocol message maps to exactly one registry operation; the
// reply envelope travels back on the sender's future.
func Handler(reg *ref.Registry) ref.Handler {
	return func(src ref.WorkerID, env *wire.Envelope) (*wire.Envelope, error) {
		switch env.Type {
		case wire.MessageForkNotify:
			// A proxy holder is forwarding its reference to a third
			// worker. Register the fork and answer with a fork-accept
			// so the forwarder can drop its pin; the destination gets
			// its proxy-accept directly from the registry.
			fn, err := wire.UnmarshalForkNotify(env)
			if err != nil {
				return nil, err
			}
			reg.GetOrCreateOwnerRef(fn.RRefID)
			return reg.AcceptForwardNotify(fn.RRefID, fn.ForkID, fn.Dst)

		case wire.MessageProxyAccept:
			pa, err := wire.UnmarshalProxyAccept(env)
			if err != nil {
				return nil, err
			}
			reg.FinishProxyAccept(pa.RRefID, pa.ForkID)
			return wire.NewAck(), nil

		case wire.MessageProxyDelete:
			pd, err := wire.UnmarshalProxyDelete(env)
			if err != nil {
				return nil, err
			}
			reg.DelForkOfOwner(pd.RRefID, pd.ForkID)
			return wire.NewAck(), nil

		default:
			return nil, fmt.Errorf("node: unexpected %s from worker %d", env.Type, src)
		}
	}
}
