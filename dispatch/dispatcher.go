// File: dispatch/dispatcher.go
// Package dispatch delivers decoded messages to handlers and fans broadcasts
// out to membership snapshots.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handler errors and panics stop here: they are logged and, when the route
// opted in, translated to an "error" envelope. They never reach the reactor.

package dispatch

import (
	"errors"
	"fmt"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/protocol"
	"github.com/momentics/socketd/router"
)

// Synthetic event names dispatched by the core.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// Sink is the write side the dispatcher fans out through. The server facade
// implements it on top of the connection table and room index.
type Sink interface {
	// EnqueueFrame places prebuilt wire bytes into one client's write buffer.
	EnqueueFrame(id api.ClientID, frame []byte) error
	// Targets snapshots the recipients in a namespace, or one room of it
	// when room != "".
	Targets(namespace, room string) []api.ClientID
}

// Dispatcher routes envelopes to handlers.
type Dispatcher struct {
	router *router.Router
	broker api.Broker
	sink   Sink
	log    api.Logger
}

// New builds a dispatcher over the frozen router.
func New(r *router.Router, broker api.Broker, sink Sink, log api.Logger) *Dispatcher {
	return &Dispatcher{router: r, broker: broker, sink: sink, log: log}
}

// DispatchText decodes the envelope from a text frame and runs the matching
// route. A malformed envelope is a protocol error: the returned error closes
// the connection.
func (d *Dispatcher) DispatchText(id api.ClientID, ns string, payload []byte) error {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return api.NewCloseError(api.CloseProtocolError, "malformed envelope", err)
	}
	d.dispatchEvent(id, ns, env.Event, env.Data, payload)
	return nil
}

// DispatchBinary hands a binary payload to the binary route, opaquely.
func (d *Dispatcher) DispatchBinary(id api.ClientID, ns string, payload []byte) {
	h, ok := d.router.Binary()
	if !ok {
		d.log.Debug("binary frame dropped, no handler", "client", id)
		return
	}
	ctx := &router.WSContext{
		Client:    id,
		Namespace: ns,
		Raw:       payload,
		Broker:    d.broker,
		Log:       d.log,
	}
	d.run(ctx, nil, h, false)
}

// DispatchConnect fires the synthetic connect event after a successful
// upgrade.
func (d *Dispatcher) DispatchConnect(id api.ClientID, ns string) {
	d.dispatchEvent(id, ns, EventConnect, nil, nil)
}

// DispatchDisconnect fires the synthetic disconnect event after teardown.
func (d *Dispatcher) DispatchDisconnect(id api.ClientID, ns string, code uint16) {
	d.dispatchEvent(id, ns, EventDisconnect, map[string]any{"code": code}, nil)
}

func (d *Dispatcher) dispatchEvent(id api.ClientID, ns, event string, data any, raw []byte) {
	match, ok := d.router.MatchEvent(event, ns)
	ctx := &router.WSContext{
		Client:    id,
		Namespace: ns,
		Event:     event,
		Data:      data,
		Raw:       raw,
		Broker:    d.broker,
		Log:       d.log,
	}
	if !ok {
		unknown, have := d.router.Unknown()
		if !have || event == EventConnect || event == EventDisconnect {
			return
		}
		d.run(ctx, nil, unknown, false)
		return
	}
	d.run(ctx, match.Middleware, match.Handler, match.ErrorEvent)
}

// run executes one chain with panic containment.
func (d *Dispatcher) run(ctx *router.WSContext, mw []router.WSMiddleware, h router.WSHandler, errorEvent bool) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return router.RunWSChain(ctx, mw, h)
	}()
	if err == nil {
		return
	}
	d.log.Error("handler failed", "client", ctx.Client, "event", ctx.Event, "err", err)
	if errorEvent {
		if sendErr := d.broker.Send(ctx.Client, EventError, map[string]any{"message": err.Error()}); sendErr != nil &&
			!errors.Is(sendErr, api.ErrUnknownClient) {
			d.log.Warn("error event not delivered", "client", ctx.Client, "err", sendErr)
		}
	}
}

// Broadcast encodes {event,data} once and enqueues the prebuilt frame to
// every client in the target set. The set is snapshotted before delivery, so
// joins and leaves triggered by invoked handlers do not affect this fan-out.
func (d *Dispatcher) Broadcast(event string, data any, namespace, room string) error {
	if namespace == "" {
		namespace = api.DefaultNamespace
	}
	frame, err := protocol.EncodeEnvelopeFrame(event, data)
	if err != nil {
		return fmt.Errorf("broadcast encode: %w", err)
	}
	for _, id := range d.sink.Targets(namespace, room) {
		if err := d.sink.EnqueueFrame(id, frame); err != nil {
			d.log.Warn("broadcast recipient skipped", "client", id, "event", event, "err", err)
		}
	}
	return nil
}
