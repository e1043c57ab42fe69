// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

// Package idgen provides a trace/span ID generator whose output can be overridden
// for a bounded scope, e.g. to continue a trace whose IDs were decided elsewhere.
//
// The override lives in a context.Context. The OpenTelemetry SDK hands the context given to
// tracer.Start to its ID generator, so only spans started from that context (or one derived from it)
// get the overridden IDs.
//
//	ctx, scope, err := gen.Override(ctx, "0af7651916cd43dd8448eb211c80319c", "b9c7c989f97918e1")
//	if err != nil {
//		return err
//	}
//	defer scope.Close()
//	ctx, span := tracer.Start(ctx, "op")
package idgen

import (
	"context"
	"fmt"
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type scopedIDs struct {
	traceID trace.TraceID
	spanID  trace.SpanID
}

// overrideSlot is the slot of one Override call. Cleared by its scope.
type overrideSlot struct {
	ids atomic.Pointer[scopedIDs]
}

type overrideKey struct {
	gen *OverrideableIDGenerator
}

// OverrideableIDGenerator wraps an ID generator.
// IDs are taken from the delegate, unless an override is active in the context of the call.
type OverrideableIDGenerator struct {
	delegate sdktrace.IDGenerator
}

var _ sdktrace.IDGenerator = (*OverrideableIDGenerator)(nil)

// New creates an overrideable ID generator.
// If delegate is nil, then a RandomIDGenerator is used.
func New(delegate sdktrace.IDGenerator) *OverrideableIDGenerator {
	if delegate == nil {
		delegate = NewRandomIDGenerator()
	}
	return &OverrideableIDGenerator{delegate: delegate}
}

func (g *OverrideableIDGenerator) slot(ctx context.Context) *overrideSlot {
	if ctx == nil {
		return nil
	}
	slot, _ := ctx.Value(overrideKey{gen: g}).(*overrideSlot)
	return slot
}

func (g *OverrideableIDGenerator) active(ctx context.Context) *scopedIDs {
	if slot := g.slot(ctx); slot != nil {
		return slot.ids.Load()
	}
	return nil
}

// Override installs fixed trace and span IDs for ID generation calls made with the returned context.
// Returns the context to be used and the scope to be closed when the override is to end.
//
// Each call installs a new slot in the returned context, shadowing any slot ctx already carries: the new IDs replace
// the old ones for the returned context and those derived from it. Overrides do not stack, closing the scope does not
// restore the shadowed IDs. Contexts sharing a parent never see each other's overrides.
//
// IDs are hex strings of 32 and 16 characters, not all zeros.
func (g *OverrideableIDGenerator) Override(ctx context.Context, traceIDHex, spanIDHex string) (context.Context, *ScopedOverride, error) {
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx, nil, fmt.Errorf("override trace ID %q: %w", traceIDHex, err)
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx, nil, fmt.Errorf("override span ID %q: %w", spanIDHex, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	slot := &overrideSlot{}
	ctx = context.WithValue(ctx, overrideKey{gen: g}, slot)
	slot.ids.Store(&scopedIDs{traceID: traceID, spanID: spanID})
	return ctx, &ScopedOverride{slot: slot}, nil
}

// NewIDs returns the overridden trace and span IDs, if an override is active in ctx.
// Else the delegate generates them.
func (g *OverrideableIDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	if ids := g.active(ctx); ids != nil {
		return ids.traceID, ids.spanID
	}
	return g.delegate.NewIDs(ctx)
}

// NewSpanID returns the overridden span ID, if an override is active in ctx.
// Else the delegate generates it.
func (g *OverrideableIDGenerator) NewSpanID(ctx context.Context, traceID trace.TraceID) trace.SpanID {
	if ids := g.active(ctx); ids != nil {
		return ids.spanID
	}
	return g.delegate.NewSpanID(ctx, traceID)
}

// GenerateTraceID returns a trace ID as 32 hex characters.
func (g *OverrideableIDGenerator) GenerateTraceID(ctx context.Context) string {
	if ids := g.active(ctx); ids != nil {
		return ids.traceID.String()
	}
	traceID, _ := g.delegate.NewIDs(ctx)
	return traceID.String()
}

// GenerateSpanID returns a span ID as 16 hex characters.
func (g *OverrideableIDGenerator) GenerateSpanID(ctx context.Context) string {
	if ids := g.active(ctx); ids != nil {
		return ids.spanID.String()
	}
	return g.delegate.NewSpanID(ctx, trace.TraceID{}).String()
}

// ScopedOverride is the handle of an installed override.
type ScopedOverride struct {
	slot *overrideSlot
}

// Close ends the override. Subsequent ID generation with the context of Override delegates again.
// Call it exactly once, typically deferred right after Override.
func (s *ScopedOverride) Close() {
	if s == nil || s.slot == nil {
		return
	}
	s.slot.ids.Store(nil)
}
