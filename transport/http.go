package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/tether/ref"
	"github.com/chazu/tether/wire"
)

var log = commonlog.GetLogger("tether.transport")

// DeliverPath is the endpoint envelopes are posted to.
const DeliverPath = "/tether.v1/deliver"

const senderHeader = "X-Tether-Worker"

// ---------------------------------------------------------------------------
// HTTP carrier
// ---------------------------------------------------------------------------

// HTTP carries envelopes between workers as CBOR request/response
// bodies. Each worker runs one server; peers are addressed by a static
// id-to-address map.
type HTTP struct {
	id    wire.WorkerID
	name  string
	peers map[wire.WorkerID]string

	handler ref.Handler
	client  *http.Client
	server  *http.Server
}

// NewHTTP creates the carrier for this worker. peers maps every remote
// worker id to its host:port. The handler is invoked for each envelope
// delivered to this worker.
func NewHTTP(id wire.WorkerID, name string, peers map[wire.WorkerID]string, h ref.Handler) *HTTP {
	t := &HTTP{
		id:      id,
		name:    name,
		peers:   peers,
		handler: h,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(DeliverPath, t.deliver)
	t.server = &http.Server{Handler: mux}
	return t
}

// WorkerID returns this worker's id.
func (t *HTTP) WorkerID() wire.WorkerID { return t.id }

// WorkerName returns this worker's name.
func (t *HTTP) WorkerName() string { return t.name }

// Serve accepts envelope deliveries on ln until Shutdown. It blocks,
// like http.Server.Serve, and returns http.ErrServerClosed after a
// clean shutdown.
func (t *HTTP) Serve(ln net.Listener) error {
	log.Infof("worker %d (%s) serving on %s", t.id, t.name, ln.Addr())
	return t.server.Serve(ln)
}

// Shutdown drains in-flight deliveries and stops the server.
func (t *HTTP) Shutdown(ctx context.Context) error {
	return t.server.Shutdown(ctx)
}

// Send posts env to dst and returns a future completed with the peer's
// reply envelope. The request runs on its own goroutine.
func (t *HTTP) Send(dst wire.WorkerID, env *wire.Envelope) ref.Future {
	f := &future{}
	addr, ok := t.peers[dst]
	if !ok {
		f.complete(nil, fmt.Errorf("transport: no address for worker %d", dst))
		return f
	}
	data, err := wire.MarshalEnvelope(env)
	if err != nil {
		f.complete(nil, fmt.Errorf("transport: marshal for worker %d: %w", dst, err))
		return f
	}

	go func() {
		reply, err := t.post(addr, data)
		f.complete(reply, err)
	}()
	return f
}

func (t *HTTP) post(addr string, data []byte) (*wire.Envelope, error) {
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+DeliverPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set(senderHeader, strconv.FormatInt(int64(t.id), 10))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: post to %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: %s answered %s", addr, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read reply from %s: %w", addr, err)
	}
	return wire.UnmarshalEnvelope(body)
}

// deliver handles one incoming envelope: decode, hand to the worker's
// handler, encode the reply. Handler errors travel back as error
// envelopes with status 200 so the sender's future callback sees them
// as protocol-level failures, not transport ones.
func (t *HTTP) deliver(w http.ResponseWriter, r *http.Request) {
	src, err := strconv.ParseInt(r.Header.Get(senderHeader), 10, 32)
	if err != nil {
		http.Error(w, "missing or bad sender header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	env, err := wire.UnmarshalEnvelope(body)
	if err != nil {
		http.Error(w, "decode envelope: "+err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := t.handler(wire.WorkerID(src), env)
	if err != nil {
		log.Errorf("handling %s from worker %d: %v", env.Type, src, err)
		reply = wire.NewError(err.Error())
	}
	if reply == nil {
		reply = wire.NewAck()
	}
	out, err := wire.MarshalEnvelope(reply)
	if err != nil {
		http.Error(w, "encode reply: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(out)
}
