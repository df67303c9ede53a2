package model_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/walletnames/go-namecache/model"
)

func TestNameRecords(t *testing.T) {
	records := []model.NameRecord{
		{Address: "W1", Name: "Bob"},
		{Address: "W2", Name: "Carol"},
	}
	b, err := model.MarshalNameRecords(records)
	require.NoError(t, err)
	require.JSONEq(t, `[{"address":"W1","name":"Bob"},{"address":"W2","name":"Carol"}]`, string(b))

	decoded, err := model.UnmarshalNameRecords(b)
	require.NoError(t, err)
	require.Equal(t, records, decoded)

	b, err = model.MarshalNameRecords(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(b))
}

func TestUnmarshalNameRecordsInvalid(t *testing.T) {
	_, err := model.UnmarshalNameRecords([]byte(`{"address":"W1"}`))
	require.Error(t, err)

	_, err = model.UnmarshalNameRecords([]byte(`[{"name":"Bob"}]`))
	require.ErrorIs(t, err, model.ErrMissingAddress)

	_, err = model.UnmarshalNameRecords([]byte(`[{"address":"W1","name":""}]`))
	require.ErrorIs(t, err, model.ErrMissingName)
	require.ErrorContains(t, err, "W1")
}

func TestUnmarshalBatchResponse(t *testing.T) {
	resp, err := model.UnmarshalBatchResponse([]byte(`{"names":{"W1":"Bob","W2":""}}`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"W1": "Bob"}, resp.Names)

	resp, err = model.UnmarshalBatchResponse([]byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, resp.Names)

	_, err = model.UnmarshalBatchResponse([]byte(`{"names":{"":"Bob"}}`))
	require.ErrorIs(t, err, model.ErrMissingAddress)

	_, err = model.UnmarshalBatchResponse([]byte(`[1,2,3]`))
	require.Error(t, err)
}
