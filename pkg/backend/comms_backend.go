package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/analysis-coordinator/pkg/cache"
	"github.com/morezero/analysis-coordinator/pkg/catalog"
	"github.com/morezero/analysis-coordinator/pkg/commsutil"
	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

const commsLogPrefix = "backend:comms_backend"

const routeTTL = time.Minute

// route is the resolved address of one backend.
type route struct {
	subject string
	natsUrl string
}

// CommsBackend invokes backends over COMMS request-reply. Backends whose catalog
// entry names a natsUrl are reached through the pool; the rest use the default connection.
type CommsBackend struct {
	nc      *comms.Conn
	pool    *Pool
	catalog *catalog.Resolved
	routes  *cache.Cache[route]
}

// NewCommsBackend creates a CommsBackend. pool may be nil when no backend has its own natsUrl.
func NewCommsBackend(nc *comms.Conn, pool *Pool, c *catalog.Resolved) *CommsBackend {
	return &CommsBackend{
		nc:      nc,
		pool:    pool,
		catalog: c,
		routes:  cache.New[route](cache.Options[route]{Capacity: 64, DefaultTTL: routeTTL}),
	}
}

// Invoke sends rc to the backend's subject and waits for its reply or ctx expiry.
func (b *CommsBackend) Invoke(ctx context.Context, name string, rc coordination.RequestContext) (json.RawMessage, error) {
	r, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	nc := b.nc
	if r.natsUrl != "" {
		if b.pool == nil {
			return nil, fmt.Errorf("%s - backend %s requires %s but no pool is configured", commsLogPrefix, name, r.natsUrl)
		}
		nc, err = b.pool.Get(r.natsUrl)
		if err != nil {
			return nil, err
		}
	}

	req := WireRequest{ID: uuid.NewString(), Backend: name, Context: rc}
	var reply WireReply
	if err := commsutil.RequestJSON(ctx, nc, r.subject, req, &reply); err != nil {
		slog.Debug(fmt.Sprintf("%s - %s did not answer: %v", commsLogPrefix, name, err))
		return nil, err
	}
	if !reply.OK {
		rerr := &RemoteError{Backend: name, Code: coordination.CodeInternal, Message: "backend reported failure"}
		if reply.Error != nil {
			rerr.Code = reply.Error.Code
			rerr.Message = reply.Error.Message
		}
		return nil, rerr
	}
	return reply.Result, nil
}

// RouteStats exposes the route cache counters.
func (b *CommsBackend) RouteStats() cache.Stats {
	return b.routes.Stats()
}

func (b *CommsBackend) resolve(name string) (route, error) {
	if r, ok := b.routes.Get(name); ok {
		return r, nil
	}
	entry, ok := b.catalog.Get(name)
	if !ok {
		return route{}, &NoHandlerError{Name: name}
	}
	r := route{subject: entry.Subject, natsUrl: entry.NatsUrl}
	b.routes.Set(name, r, 0)
	return r, nil
}

// Handler answers one backend request.
type Handler func(ctx context.Context, req *WireRequest) (json.RawMessage, error)

// Serve subscribes handler to subject using the WireRequest/WireReply protocol.
// Handler errors are answered as ok=false; a *RemoteError keeps its code.
func Serve(nc *comms.Conn, subject string, handler Handler) (*comms.Subscription, error) {
	return nc.Subscribe(subject, func(msg *comms.Msg) {
		var req WireRequest
		var reply WireReply
		if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
			reply.Error = &WireError{Code: coordination.CodeMalformedRequest, Message: err.Error()}
		} else if result, err := handler(context.Background(), &req); err != nil {
			we := &WireError{Code: coordination.CodeInternal, Message: err.Error()}
			var rerr *RemoteError
			if errors.As(err, &rerr) {
				we.Code = rerr.Code
				we.Message = rerr.Message
			}
			reply.Error = we
		} else {
			reply.OK = true
			reply.Result = result
		}

		data, err := commsutil.EncodePayload(reply)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode reply on %s: %v", commsLogPrefix, subject, err))
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to respond on %s: %v", commsLogPrefix, subject, err))
		}
	})
}
