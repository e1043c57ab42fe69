// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package idgen

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// RandomIDGenerator generates semi-random trace and span IDs.
// It is the default delegate of OverrideableIDGenerator.
type RandomIDGenerator struct {
	mu         sync.Mutex
	randSource *rand.Rand
}

// NewRandomIDGenerator creates a random ID generator seeded from crypto/rand.
func NewRandomIDGenerator() *RandomIDGenerator {
	var seed int64
	_ = binary.Read(crand.Reader, binary.LittleEndian, &seed)
	return &RandomIDGenerator{randSource: rand.New(rand.NewSource(seed))} // #nosec random is weak intentionally
}

func (g *RandomIDGenerator) spanID() (sid trace.SpanID) {
	for !sid.IsValid() {
		binary.BigEndian.PutUint64(sid[:], g.randSource.Uint64())
	}
	return
}

func (g *RandomIDGenerator) traceID() (tid trace.TraceID) {
	for !tid.IsValid() {
		binary.BigEndian.PutUint64(tid[:8], g.randSource.Uint64())
		binary.BigEndian.PutUint64(tid[8:], g.randSource.Uint64())
	}
	return
}

// NewIDs returns a new random trace ID and span ID.
func (g *RandomIDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.traceID(), g.spanID()
}

// NewSpanID returns a new random span ID. The trace ID is ignored.
func (g *RandomIDGenerator) NewSpanID(ctx context.Context, traceID trace.TraceID) trace.SpanID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spanID()
}
