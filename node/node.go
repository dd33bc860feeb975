// Package node assembles one tether worker: configuration, transport,
// registry and journal, with a start/stop lifecycle.
package node

import (
	"context"
	"fmt"
	"net"

	"github.com/tliron/commonlog"

	"github.com/chazu/tether/config"
	"github.com/chazu/tether/journal"
	"github.com/chazu/tether/ref"
	"github.com/chazu/tether/transport"
	"github.com/chazu/tether/wire"
)

var log = commonlog.GetLogger("tether.node")

// Node is one running worker.
type Node struct {
	cfg       *config.Config
	transport *transport.HTTP
	registry  *ref.Registry
	journal   *journal.Journal

	handler ref.Handler
	ln      net.Listener
	serveCh chan error
}

// New wires a worker from its configuration. The worker does not
// accept traffic until Start runs.
func New(cfg *config.Config) (*Node, error) {
	n := &Node{cfg: cfg, serveCh: make(chan error, 1)}

	// The transport needs a handler and the handler needs the
	// registry, which needs the transport. The indirection through n
	// breaks the cycle; n.handler is set before Start listens.
	t := transport.NewHTTP(cfg.WorkerID(), cfg.Worker.Name, cfg.PeerAddrs(),
		func(src ref.WorkerID, env *wire.Envelope) (*wire.Envelope, error) {
			return n.handler(src, env)
		})

	reg, err := ref.NewRegistry(t)
	if err != nil {
		return nil, err
	}
	reg.SetErrorHandler(func(err error) {
		log.Errorf("%v", err)
	})

	if path := cfg.JournalPath(); path != "" {
		j, err := journal.Open(path, cfg.WorkerID())
		if err != nil {
			return nil, err
		}
		n.journal = j
		reg.SetEventSink(j)
	}

	n.transport = t
	n.registry = reg
	n.handler = Handler(reg)
	return n, nil
}

// Registry returns the worker's reference registry.
func (n *Node) Registry() *ref.Registry {
	return n.registry
}

// Start begins accepting envelope deliveries on the configured listen
// address. It returns once the listener is bound.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.cfg.Worker.Listen)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", n.cfg.Worker.Listen, err)
	}
	n.ln = ln
	log.Infof("worker %q (%d) up", n.cfg.Worker.Name, n.cfg.Worker.ID)
	go func() {
		n.serveCh <- n.transport.Serve(ln)
	}()
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (n *Node) Addr() net.Addr {
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Stop drains the transport and closes the journal.
func (n *Node) Stop(ctx context.Context) error {
	var firstErr error
	if n.ln != nil {
		if err := n.transport.Shutdown(ctx); err != nil {
			firstErr = err
		}
		<-n.serveCh
	}
	if n.journal != nil {
		if err := n.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Infof("worker %q (%d) down", n.cfg.Worker.Name, n.cfg.Worker.ID)
	return firstErr
}
