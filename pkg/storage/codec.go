package storage

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
)

// accountRecord is the persisted form of an account. Seq numbers its entries.
type accountRecord struct {
	account.Account
	Seq uint64 `json:"seq"`
}

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
