package arrow

import (
	"errors"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/HieraChain-TxPool/core"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Result is the admission verdict on one payload of a batch.
type Result struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ResultsFromBatch flattens a batch result into wire results.
func ResultsFromBatch(res *core.BatchResult) []Result {
	out := make([]Result, len(res.Outcomes))
	for i, o := range res.Outcomes {
		out[i] = Result{Index: o.Index, ID: o.ID, Status: o.Status.String()}
		if o.Status == core.StatusRejected {
			out[i].Code = engine.Code(o.Err)
			if o.Err != nil {
				out[i].Error = o.Err.Error()
			}
		}
	}
	return out
}

// Candidate is one row of a candidate list.
type Candidate struct {
	ID              string `json:"id"`
	Sender          string `json:"sender"`
	Nonce           uint64 `json:"nonce"`
	Fee             uint64 `json:"fee"`
	Size            int    `json:"size"`
	AdmissionHeight uint64 `json:"admission_height"`
	Payload         []byte `json:"payload"`
}

// CandidateFrom copies the wire view of tx.
func CandidateFrom(tx *engine.Transaction) Candidate {
	return Candidate{
		ID:              tx.ID,
		Sender:          tx.Sender,
		Nonce:           tx.Nonce,
		Fee:             tx.Fee,
		Size:            tx.Size(),
		AdmissionHeight: tx.AdmissionHeight(),
		Payload:         tx.Serialized,
	}
}

// Converter builds and reads the record batches exchanged with clients.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{allocator: memory.DefaultAllocator}
}

// NewConverterWithAllocator creates a Converter over mem.
func NewConverterWithAllocator(mem memory.Allocator) *Converter {
	return &Converter{allocator: mem}
}

// PayloadsToRecord converts raw transactions to a batch record.
func (c *Converter) PayloadsToRecord(payloads [][]byte) (arrow.Record, error) {
	if len(payloads) == 0 {
		return nil, errors.New("empty payload batch")
	}
	builder := array.NewRecordBuilder(c.allocator, TransactionBatchSchema())
	defer builder.Release()

	payloadBuilder := builder.Field(0).(*array.BinaryBuilder)
	for _, p := range payloads {
		payloadBuilder.Append(p)
	}
	return builder.NewRecord(), nil
}

// RecordToPayloads extracts the raw transactions of a batch record.
func (c *Converter) RecordToPayloads(record arrow.Record) ([][]byte, error) {
	if err := ValidateSchema(record, TransactionBatchSchema()); err != nil {
		return nil, err
	}
	col, ok := record.Column(0).(*array.Binary)
	if !ok {
		return nil, errors.New("column 0 (payload) is not a Binary array")
	}

	payloads := make([][]byte, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			return nil, fmt.Errorf("payload %d is null", i)
		}
		// Values alias the record buffers, which are released with it.
		payloads = append(payloads, append([]byte(nil), col.Value(i)...))
	}
	return payloads, nil
}

// ResultsToRecord converts admission results to a record.
func (c *Converter) ResultsToRecord(results []Result) (arrow.Record, error) {
	builder := array.NewRecordBuilder(c.allocator, ResultSchema())
	defer builder.Release()

	indexBuilder := builder.Field(0).(*array.Int32Builder)
	idBuilder := builder.Field(1).(*array.StringBuilder)
	statusBuilder := builder.Field(2).(*array.StringBuilder)
	codeBuilder := builder.Field(3).(*array.StringBuilder)
	errBuilder := builder.Field(4).(*array.StringBuilder)

	for _, r := range results {
		if r.Index < 0 || r.Index > math.MaxInt32 {
			return nil, fmt.Errorf("result index %d out of range", r.Index)
		}
		indexBuilder.Append(int32(r.Index)) // #nosec G115 - bounds checked above
		appendOptional(idBuilder, r.ID)
		statusBuilder.Append(r.Status)
		appendOptional(codeBuilder, r.Code)
		appendOptional(errBuilder, r.Error)
	}
	return builder.NewRecord(), nil
}

// RecordToResults reads admission results back from a record.
func (c *Converter) RecordToResults(record arrow.Record) ([]Result, error) {
	if err := ValidateSchema(record, ResultSchema()); err != nil {
		return nil, err
	}
	indexCol, ok := record.Column(0).(*array.Int32)
	if !ok {
		return nil, errors.New("column 0 (index) is not an Int32 array")
	}
	strs := make([]*array.String, 4)
	for i := range strs {
		if strs[i], ok = record.Column(i + 1).(*array.String); !ok {
			return nil, fmt.Errorf("column %d is not a String array", i+1)
		}
	}

	results := make([]Result, indexCol.Len())
	for i := range results {
		results[i] = Result{
			Index:  int(indexCol.Value(i)),
			ID:     optional(strs[0], i),
			Status: strs[1].Value(i),
			Code:   optional(strs[2], i),
			Error:  optional(strs[3], i),
		}
	}
	return results, nil
}

// CandidatesToRecord converts a candidate list to a record.
func (c *Converter) CandidatesToRecord(txs []*engine.Transaction) (arrow.Record, error) {
	builder := array.NewRecordBuilder(c.allocator, CandidateSchema())
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.StringBuilder)
	senderBuilder := builder.Field(1).(*array.StringBuilder)
	nonceBuilder := builder.Field(2).(*array.Uint64Builder)
	feeBuilder := builder.Field(3).(*array.Uint64Builder)
	sizeBuilder := builder.Field(4).(*array.Int32Builder)
	heightBuilder := builder.Field(5).(*array.Uint64Builder)
	payloadBuilder := builder.Field(6).(*array.BinaryBuilder)

	for _, tx := range txs {
		if tx.Size() > math.MaxInt32 {
			return nil, fmt.Errorf("transaction %s too large for candidate record", tx.ID)
		}
		idBuilder.Append(tx.ID)
		senderBuilder.Append(tx.Sender)
		nonceBuilder.Append(tx.Nonce)
		feeBuilder.Append(tx.Fee)
		sizeBuilder.Append(int32(tx.Size())) // #nosec G115 - bounds checked above
		heightBuilder.Append(tx.AdmissionHeight())
		payloadBuilder.Append(tx.Serialized)
	}
	return builder.NewRecord(), nil
}

// RecordToCandidates reads a candidate list back from a record.
func (c *Converter) RecordToCandidates(record arrow.Record) ([]Candidate, error) {
	if err := ValidateSchema(record, CandidateSchema()); err != nil {
		return nil, err
	}
	idCol, ok1 := record.Column(0).(*array.String)
	senderCol, ok2 := record.Column(1).(*array.String)
	nonceCol, ok3 := record.Column(2).(*array.Uint64)
	feeCol, ok4 := record.Column(3).(*array.Uint64)
	sizeCol, ok5 := record.Column(4).(*array.Int32)
	heightCol, ok6 := record.Column(5).(*array.Uint64)
	payloadCol, ok7 := record.Column(6).(*array.Binary)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil, errors.New("candidate record has unexpected column types")
	}

	out := make([]Candidate, idCol.Len())
	for i := range out {
		out[i] = Candidate{
			ID:              idCol.Value(i),
			Sender:          senderCol.Value(i),
			Nonce:           nonceCol.Value(i),
			Fee:             feeCol.Value(i),
			Size:            int(sizeCol.Value(i)),
			AdmissionHeight: heightCol.Value(i),
			Payload:         append([]byte(nil), payloadCol.Value(i)...),
		}
	}
	return out, nil
}

func appendOptional(b *array.StringBuilder, s string) {
	if s == "" {
		b.AppendNull()
		return
	}
	b.Append(s)
}

func optional(col *array.String, i int) string {
	if col.IsNull(i) {
		return ""
	}
	return col.Value(i)
}
