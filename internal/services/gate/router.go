package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// Router mantiene una connessione gRPC per ogni field.
type Router struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// ParseAddrMap accetta una stringa tipo "field1=host1:50051,field2=host2:50051".
func ParseAddrMap(mapStr string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range strings.Split(mapStr, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid DEVICE_GRPC_ADDR_MAP entry: %q", p)
		}
		field, addr := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if field == "" || addr == "" {
			return nil, fmt.Errorf("invalid DEVICE_GRPC_ADDR_MAP entry: %q", p)
		}
		if _, dup := out[field]; dup {
			return nil, fmt.Errorf("duplicate gate route for field %q", field)
		}
		out[field] = addr
	}
	return out, nil
}

// NewRouter creates one client per field. grpc.NewClient connects lazily, so a gate that is
// down at startup only fails the commands sent to it.
func NewRouter(mapStr string, opts ...grpc.DialOption) (*Router, error) {
	addrs, err := ParseAddrMap(mapStr)
	if err != nil {
		return nil, err
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	r := &Router{conns: make(map[string]*grpc.ClientConn, len(addrs))}
	for field, addr := range addrs {
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			r.Shutdown()
			return nil, fmt.Errorf("gate client %s (%s): %w", field, addr, err)
		}
		r.conns[field] = conn
	}
	return r, nil
}

func (r *Router) conn(fieldID string) (*grpc.ClientConn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[fieldID]
	if !ok {
		return nil, fmt.Errorf("%w: no gate route for field %s", model.ErrNotAvailable, fieldID)
	}
	return c, nil
}

func (r *Router) command(ctx context.Context, method, fieldID string, flowM3s float64) (entities.GateCommandResult, error) {
	c, err := r.conn(fieldID)
	if err != nil {
		return entities.GateCommandResult{}, err
	}
	req, err := commandRequest(fieldID, flowM3s)
	if err != nil {
		return entities.GateCommandResult{}, err
	}
	resp := new(structpb.Struct)
	if err := c.Invoke(ctx, method, req, resp); err != nil {
		return entities.GateCommandResult{}, fmt.Errorf("gate %s %s: %w", fieldID, method, err)
	}
	return parseCommandResponse(resp), nil
}

func (r *Router) Open(ctx context.Context, fieldID string, flowM3s float64) (entities.GateCommandResult, error) {
	return r.command(ctx, methodOpen, fieldID, flowM3s)
}

func (r *Router) Close(ctx context.Context, fieldID string) (entities.GateCommandResult, error) {
	return r.command(ctx, methodClose, fieldID, 0)
}

func (r *Router) Status(ctx context.Context, fieldID string) (Status, error) {
	c, err := r.conn(fieldID)
	if err != nil {
		return Status{}, err
	}
	req, err := commandRequest(fieldID, 0)
	if err != nil {
		return Status{}, err
	}
	resp := new(structpb.Struct)
	if err := c.Invoke(ctx, methodStatus, req, resp); err != nil {
		return Status{}, fmt.Errorf("gate %s status: %w", fieldID, err)
	}
	return parseStatus(resp)
}

// Fields lists the routed fields, sorted.
func (r *Router) Fields() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for f := range r.conns {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// States reports the connectivity state of each gate connection (for /healthz).
func (r *Router) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.conns))
	for f, c := range r.conns {
		out[f] = c.GetState().String()
	}
	return out
}

// Warmup starts connecting every gate and waits until each is ready or ctx is done.
// It returns the fields whose gate was not reachable in time.
func (r *Router) Warmup(ctx context.Context) []string {
	r.mu.RLock()
	conns := make(map[string]*grpc.ClientConn, len(r.conns))
	for f, c := range r.conns {
		conns[f] = c
	}
	r.mu.RUnlock()

	var notReady []string
	for f, c := range conns {
		c.Connect()
		for {
			st := c.GetState()
			if st == connectivity.Ready {
				break
			}
			if !c.WaitForStateChange(ctx, st) {
				notReady = append(notReady, f)
				break
			}
		}
	}
	sort.Strings(notReady)
	return notReady
}

// Shutdown closes every connection.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c != nil {
			_ = c.Close()
		}
	}
	r.conns = map[string]*grpc.ClientConn{}
}
