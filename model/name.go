package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingAddress = errors.New("record has no address")
	ErrMissingName    = errors.New("record has no name")
)

// NameRecord is the display name chosen by the owner of a wallet address.
type NameRecord struct {
	// Address is the wallet public key.
	Address string `json:"address"`
	// Name is the display name. It is never empty in a valid record.
	Name string `json:"name"`
}

// BatchRequest asks the name store for the names of several addresses.
type BatchRequest struct {
	Addresses []string `json:"addresses"`
}

// BatchResponse maps each requested address that has a name to that name.
// Addresses without a name are absent from Names.
type BatchResponse struct {
	Names map[string]string `json:"names"`
}

// WriteRequest sets the display name of the address in the request path.
type WriteRequest struct {
	Name string `json:"name"`
}

func (r NameRecord) Validate() error {
	if r.Address == "" {
		return ErrMissingAddress
	}
	if r.Name == "" {
		return fmt.Errorf("%w: %s", ErrMissingName, r.Address)
	}
	return nil
}

func MarshalNameRecords(records []NameRecord) ([]byte, error) {
	if records == nil {
		records = []NameRecord{}
	}
	return json.Marshal(records)
}

// UnmarshalNameRecords decodes a list of name records and checks that every
// record is complete.
func UnmarshalNameRecords(b []byte) ([]NameRecord, error) {
	var records []NameRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func MarshalBatchResponse(resp *BatchResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// UnmarshalBatchResponse decodes a batch response. Entries with empty names
// are dropped, since an empty name means no name.
func UnmarshalBatchResponse(b []byte) (*BatchResponse, error) {
	var resp BatchResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, err
	}
	for addr, name := range resp.Names {
		if addr == "" {
			return nil, ErrMissingAddress
		}
		if name == "" {
			delete(resp.Names, addr)
		}
	}
	return &resp, nil
}
