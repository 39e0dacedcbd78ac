// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Topology model: a root owns endpoints, an endpoint owns the controllers
// behind it.

package nvmemi

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultTimeout is the per-request timeout applied to newly created
// endpoints on generic transports. MCTP endpoints start with
// MCTPDefaultTimeout instead.
const DefaultTimeout = 1 * time.Second

// Root is the process-scoped container for NVMe-MI endpoints. It owns the
// log sink and an ordered collection of endpoints; closing the root closes
// every endpoint it owns.
type Root struct {
	log       *slog.Logger
	level     *slog.LevelVar
	endpoints []*Endpoint
	mctpOps   socketOps // injection point for socket syscalls
}

// Option configures a Root at creation time.
type Option func(*Root)

// WithLogger replaces the default stderr logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Root) { r.log = l }
}

// WithLogLevel sets the initial log level. The default is slog.LevelWarn.
func WithLogLevel(level slog.Level) Option {
	return func(r *Root) { r.level.Set(level) }
}

// NewRoot creates an empty topology root.
func NewRoot(opts ...Option) *Root {
	r := &Root{
		level:   new(slog.LevelVar),
		mctpOps: defaultSocketOps(),
	}
	r.level.Set(slog.LevelWarn)
	r.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: r.level}))

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SetLogLevel adjusts the level of the root's default logger.
func (r *Root) SetLogLevel(level slog.Level) {
	r.level.Set(level)
}

// Logger returns the root's logger.
func (r *Root) Logger() *slog.Logger {
	return r.log
}

// NewEndpoint creates an endpoint communicating through the given transport
// and adds it to the root. The endpoint takes ownership of the transport.
func (r *Root) NewEndpoint(t Transport) *Endpoint {
	ep := &Endpoint{
		root:      r,
		transport: t,
		timeout:   DefaultTimeout,
	}
	r.endpoints = append(r.endpoints, ep)
	return ep
}

// OpenMCTP creates an endpoint for the MCTP peer (network, eid) and adds it
// to the root.
func (r *Root) OpenMCTP(network uint32, eid uint8) (*Endpoint, error) {
	t, err := newMCTPTransport(r.mctpOps, network, eid)
	if err != nil {
		return nil, err
	}

	ep := r.NewEndpoint(t)
	ep.timeout = MCTPDefaultTimeout
	return ep, nil
}

// Endpoints returns the root's endpoints in insertion order.
func (r *Root) Endpoints() []*Endpoint {
	eps := make([]*Endpoint, len(r.endpoints))
	copy(eps, r.endpoints)
	return eps
}

// Close closes every endpoint owned by the root.
func (r *Root) Close() error {
	var firstErr error
	for len(r.endpoints) > 0 {
		if err := r.endpoints[0].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Root) removeEndpoint(ep *Endpoint) {
	for i, e := range r.endpoints {
		if e == ep {
			r.endpoints = append(r.endpoints[:i], r.endpoints[i+1:]...)
			return
		}
	}
}

// Endpoint represents one addressable NVMe-MI peer, reachable through
// exactly one transport. Commands on an endpoint are strictly synchronous;
// callers sharing an endpoint across goroutines must serialize access.
type Endpoint struct {
	root               *Root
	transport          Transport
	controllers        []*Controller
	controllersScanned bool
	timeout            time.Duration
	mprtMax            time.Duration
	closed             bool
}

// Desc describes the endpoint's peer address for diagnostics.
func (ep *Endpoint) Desc() string {
	if d, ok := ep.transport.(Describer); ok {
		return d.Desc()
	}
	return ep.transport.Name()
}

// Timeout returns the per-request timeout. Zero means wait indefinitely.
func (ep *Endpoint) Timeout() time.Duration {
	return ep.timeout
}

// SetTimeout sets the per-request timeout. The transport may reject values
// outside its supported range.
func (ep *Endpoint) SetTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidArg)
	}
	if tc, ok := ep.transport.(TimeoutChecker); ok {
		if err := tc.CheckTimeout(timeout); err != nil {
			return err
		}
	}
	ep.timeout = timeout
	return nil
}

// MPRTMax returns the clamp applied to device-advertised "more processing
// required" wait times. Zero means no clamp.
func (ep *Endpoint) MPRTMax() time.Duration {
	return ep.mprtMax
}

// SetMPRTMax sets the MPR wait time clamp.
func (ep *Endpoint) SetMPRTMax(max time.Duration) error {
	if max < 0 {
		return fmt.Errorf("%w: negative mprt clamp", ErrInvalidArg)
	}
	ep.mprtMax = max
	return nil
}

// Controllers returns the endpoint's controllers in discovery order.
// ScanControllers populates the list.
func (ep *Endpoint) Controllers() []*Controller {
	ctrls := make([]*Controller, len(ep.controllers))
	copy(ctrls, ep.controllers)
	return ctrls
}

// Controller returns a handle for the controller with the given ID, creating
// one if the endpoint has not been scanned for it. The ID is not validated
// against the device.
func (ep *Endpoint) Controller(id uint16) *Controller {
	for _, c := range ep.controllers {
		if c.id == id {
			return c
		}
	}

	c := &Controller{ep: ep, id: id}
	ep.controllers = append(ep.controllers, c)
	return c
}

// ScanControllers discovers the controllers behind the endpoint by reading
// its controller list. A repeated scan is a no-op unless force is set, in
// which case the existing controller handles are discarded first.
func (ep *Endpoint) ScanControllers(force bool) error {
	if ep.controllersScanned {
		if !force {
			return nil
		}
		ep.controllers = nil
		ep.controllersScanned = false
	}

	ids, err := ep.ReadControllerList(0)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", ep.Desc(), err)
	}

	for _, id := range ids {
		if id == 0 {
			continue
		}
		ep.controllers = append(ep.controllers, &Controller{ep: ep, id: id})
	}

	ep.controllersScanned = true
	return nil
}

// Close releases the endpoint's controllers and transport state and removes
// the endpoint from its root. The socket (if any) is closed exactly once.
func (ep *Endpoint) Close() error {
	if ep.closed {
		return nil
	}
	ep.closed = true
	ep.controllers = nil
	ep.root.removeEndpoint(ep)
	return ep.transport.Close()
}

func (ep *Endpoint) logger() *slog.Logger {
	return ep.root.log.With("endpoint", ep.Desc())
}

// Controller represents one NVMe controller reachable through an endpoint.
// It is purely an (endpoint, controller ID) tuple.
type Controller struct {
	ep *Endpoint
	id uint16
}

// ID returns the 16-bit NVMe controller identifier.
func (c *Controller) ID() uint16 {
	return c.id
}

// Endpoint returns the endpoint the controller is reached through.
func (c *Controller) Endpoint() *Endpoint {
	return c.ep
}
