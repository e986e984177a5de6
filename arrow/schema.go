package arrow

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// TransactionBatchSchema returns the schema of a submitted batch.
//
// Fields:
//   - payload: binary - Serialised signed transaction
func TransactionBatchSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "payload", Type: arrow.BinaryTypes.Binary, Nullable: false},
		},
		nil,
	)
}

// ResultSchema returns the schema of the per-transaction admission results
// sent back for a batch.
//
// Fields:
//   - index: int32 - Position of the payload in the submitted batch
//   - id: string (nullable) - Transaction id, null when undecodable
//   - status: string - accepted, duplicate or rejected
//   - code: string (nullable) - Wire error code of a rejection
//   - error: string (nullable) - Rejection message
func ResultSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "index", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
			{Name: "id", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "status", Type: arrow.BinaryTypes.String, Nullable: false},
			{Name: "code", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
		},
		nil,
	)
}

// CandidateSchema returns the schema of a block candidate list.
//
// Fields:
//   - id: string - Transaction id
//   - sender: string - Sender address
//   - nonce: uint64
//   - fee: uint64
//   - size: int32 - Serialised size in bytes
//   - admission_height: uint64 - Chain height at admission
//   - payload: binary - Serialised signed transaction
func CandidateSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "id", Type: arrow.BinaryTypes.String, Nullable: false},
			{Name: "sender", Type: arrow.BinaryTypes.String, Nullable: false},
			{Name: "nonce", Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
			{Name: "fee", Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
			{Name: "size", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
			{Name: "admission_height", Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
			{Name: "payload", Type: arrow.BinaryTypes.Binary, Nullable: false},
		},
		nil,
	)
}

// ValidateSchema checks if a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}
		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}
	return nil
}
