package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ColumnChange is the atomic unit of synchronization: one encrypted
// column value with its HLC. BatchSeq and BatchTotal are 1-based and
// only guaranteed on the realtime feed.
type ColumnChange struct {
	TableName      string `json:"tableName"`
	RowPKs         string `json:"rowPks"`
	ColumnName     string `json:"columnName"`
	HLC            string `json:"hlcTimestamp"`
	BatchID        string `json:"batchId,omitempty"`
	BatchSeq       int    `json:"batchSeq,omitempty"`
	BatchTotal     int    `json:"batchTotal,omitempty"`
	EncryptedValue string `json:"encryptedValue"`
	Nonce          string `json:"nonce"`
	DeviceID       string `json:"deviceId"`
}

// HasBatchMetadata reports whether the change carries a usable batch
// position.
func (c ColumnChange) HasBatchMetadata() bool {
	return c.BatchID != "" && c.BatchTotal > 0 && c.BatchSeq >= 1 && c.BatchSeq <= c.BatchTotal
}

// DecryptedChange is a ColumnChange after decryption, ready for the
// local store.
type DecryptedChange struct {
	TableName  string
	RowPKs     string
	ColumnName string
	HLC        string
	Value      Value
	DeviceID   string
}

// DirtyTable is a ledger entry meaning the table has rows modified after
// the last successful push.
type DirtyTable struct {
	TableName    string
	LastModified string
}

// ColumnInfo describes one column of a local table.
type ColumnInfo struct {
	Name string
	IsPK bool
}

// ApplyResult summarises one atomic application of remote changes.
type ApplyResult struct {
	Applied int
	Skipped int
	Cursor  string
}

// EncodeRowPKs serialises a primary key map. Keys come out sorted so the
// same row always produces the same string.
func EncodeRowPKs(pks map[string]any) (string, error) {
	data, err := json.Marshal(pks)
	if err != nil {
		return "", fmt.Errorf("encoding row pks: %w", err)
	}

	return string(data), nil
}

// DecodeRowPKs parses a serialised primary key map. Numbers are kept as
// int64 or float64 depending on their literal form.
func DecodeRowPKs(s string) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decoding row pks: %w", err)
	}

	out := make(map[string]any, len(raw))

	for k, v := range raw {
		val, err := decodeScalar(v)
		if err != nil {
			return nil, fmt.Errorf("decoding row pk %q: %w", k, err)
		}

		out[k] = val.Any()
	}

	return out, nil
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
