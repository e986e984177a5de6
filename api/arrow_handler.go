package api

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/HieraChain-TxPool/arrow"
	"github.com/VanDung-dev/HieraChain-TxPool/core"
)

// ArrowHandler admits Arrow IPC transaction batches into the pool.
type ArrowHandler struct {
	pool      *core.Pool
	converter *arrow.Converter
	metrics   *Metrics
}

// NewArrowHandler creates a handler feeding pool. metrics may be nil.
func NewArrowHandler(pool *core.Pool, metrics *Metrics) *ArrowHandler {
	return &ArrowHandler{
		pool:      pool,
		converter: arrow.NewConverterWithAllocator(memory.NewGoAllocator()),
		metrics:   metrics,
	}
}

// ProcessBatch decodes an IPC batch, submits it and returns the admission
// results as an IPC stream.
func (h *ArrowHandler) ProcessBatch(ctx context.Context, data []byte) ([]byte, error) {
	payloads, err := h.converter.DecodePayloads(data)
	if err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	start := time.Now()
	res, err := h.pool.Submit(ctx, payloads)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.RecordBatch(len(payloads), time.Since(start))
	}
	return h.converter.EncodeResults(arrow.ResultsFromBatch(res))
}
