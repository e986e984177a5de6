package arrow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// ErrNoRecords is returned when an IPC stream carries no record batch.
var ErrNoRecords = errors.New("no records in IPC data")

// SerializeToIPC writes records sharing one schema as an IPC stream.
func SerializeToIPC(records ...arrow.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("no records to serialize")
	}

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(records[0].Schema()))
	defer writer.Close()

	for i, record := range records {
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// readIPC calls fn for every record of the stream in data. Records are only
// valid during fn.
func (c *Converter) readIPC(data []byte, fn func(arrow.Record) error) error {
	if len(data) == 0 {
		return errors.New("received empty data")
	}
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(c.allocator))
	if err != nil {
		return fmt.Errorf("failed to create IPC reader: %w", err)
	}
	defer reader.Release()

	n := 0
	for reader.Next() {
		if err := fn(reader.Record()); err != nil {
			return err
		}
		n++
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("error reading Arrow stream: %w", err)
	}
	if n == 0 {
		return ErrNoRecords
	}
	return nil
}

func (c *Converter) encode(record arrow.Record, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return SerializeToIPC(record)
}

// EncodePayloads serialises a transaction batch to IPC bytes.
func (c *Converter) EncodePayloads(payloads [][]byte) ([]byte, error) {
	return c.encode(c.PayloadsToRecord(payloads))
}

// DecodePayloads reads every transaction of an IPC batch stream.
func (c *Converter) DecodePayloads(data []byte) ([][]byte, error) {
	var all [][]byte
	err := c.readIPC(data, func(rec arrow.Record) error {
		payloads, err := c.RecordToPayloads(rec)
		all = append(all, payloads...)
		return err
	})
	return all, err
}

// EncodeResults serialises admission results to IPC bytes.
func (c *Converter) EncodeResults(results []Result) ([]byte, error) {
	return c.encode(c.ResultsToRecord(results))
}

// DecodeResults reads admission results from IPC bytes.
func (c *Converter) DecodeResults(data []byte) ([]Result, error) {
	var all []Result
	err := c.readIPC(data, func(rec arrow.Record) error {
		results, err := c.RecordToResults(rec)
		all = append(all, results...)
		return err
	})
	return all, err
}

// EncodeCandidates serialises a candidate list to IPC bytes.
func (c *Converter) EncodeCandidates(txs []*engine.Transaction) ([]byte, error) {
	return c.encode(c.CandidatesToRecord(txs))
}

// DecodeCandidates reads a candidate list from IPC bytes.
func (c *Converter) DecodeCandidates(data []byte) ([]Candidate, error) {
	var all []Candidate
	err := c.readIPC(data, func(rec arrow.Record) error {
		cands, err := c.RecordToCandidates(rec)
		all = append(all, cands...)
		return err
	})
	return all, err
}
