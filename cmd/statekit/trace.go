package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanPrinter writes finished spans and their events, one span per block.
type spanPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

var _ sdktrace.SpanProcessor = (*spanPrinter)(nil)

func newSpanPrinter(out io.Writer) *spanPrinter {
	return &spanPrinter{out: out}
}

func (p *spanPrinter) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *spanPrinter) OnEnd(span sdktrace.ReadOnlySpan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := span.StartTime()
	fmt.Fprintf(p.out, "span %s (%v) %s\n", span.Name(), span.EndTime().Sub(start), span.Status().Code)
	for _, ev := range span.Events() {
		fmt.Fprintf(p.out, "  +%-10v %s\n", ev.Time.Sub(start), ev.Name)
	}
}

func (p *spanPrinter) Shutdown(context.Context) error { return nil }

func (p *spanPrinter) ForceFlush(context.Context) error { return nil }
