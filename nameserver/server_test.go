package nameserver_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	"github.com/walletnames/go-namecache/address"
	"github.com/walletnames/go-namecache/apierror"
	"github.com/walletnames/go-namecache/model"
	"github.com/walletnames/go-namecache/nameserver"
	"github.com/walletnames/go-namecache/store"
	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T, options ...nameserver.Option) (*nameserver.Server, *httptest.Server) {
	s, err := nameserver.New(options...)
	require.NoError(t, err)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func do(t *testing.T, method, url, accept string, body []byte) (*http.Response, []byte) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	return res, data
}

func TestListNames(t *testing.T) {
	_, ts := newTestServer(t, nameserver.WithNames(map[string]string{"W2": "Alice", "W1": "Bob"}))

	res, body := do(t, http.MethodGet, ts.URL+"/names", "application/json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))
	records, err := model.UnmarshalNameRecords(body)
	require.NoError(t, err)
	require.Equal(t, []model.NameRecord{
		{Address: "W1", Name: "Bob"},
		{Address: "W2", Name: "Alice"},
	}, records)

	// Streamed as one record per line.
	res, body = do(t, http.MethodGet, ts.URL+"/names", "application/x-ndjson", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/x-ndjson", res.Header.Get("Content-Type"))
	scanner := bufio.NewScanner(bytes.NewReader(body))
	var streamed []model.NameRecord
	for scanner.Scan() {
		var rec model.NameRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		streamed = append(streamed, rec)
	}
	require.Equal(t, records, streamed)
}

func TestListNamesEmpty(t *testing.T) {
	_, ts := newTestServer(t)
	res, body := do(t, http.MethodGet, ts.URL+"/names", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestAcceptHeader(t *testing.T) {
	_, ts := newTestServer(t, nameserver.WithPreferJSON(false))

	res, body := do(t, http.MethodGet, ts.URL+"/names", "", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	err := apierror.FromResponse(res.StatusCode, body)
	require.ErrorIs(t, err, apierror.ErrRejected)
	require.ErrorContains(t, err, "accept header must be specified")

	res, _ = do(t, http.MethodGet, ts.URL+"/names", "text/html", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	// Any type streams when JSON is not preferred.
	res, _ = do(t, http.MethodGet, ts.URL+"/names", "*/*", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/x-ndjson", res.Header.Get("Content-Type"))
}

func TestGetName(t *testing.T) {
	_, ts := newTestServer(t, nameserver.WithNames(map[string]string{"W1": "Bob"}))

	res, body := do(t, http.MethodGet, ts.URL+"/names/W1", "application/json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rec model.NameRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	require.Equal(t, model.NameRecord{Address: "W1", Name: "Bob"}, rec)

	res, _ = do(t, http.MethodGet, ts.URL+"/names/W9", "application/json", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestBatchNames(t *testing.T) {
	_, ts := newTestServer(t,
		nameserver.WithNames(map[string]string{"0xabc": "Bob"}),
		nameserver.WithNormalizer(address.Lowercase),
		nameserver.WithMaxBatchSize(2))

	req, err := json.Marshal(&model.BatchRequest{Addresses: []string{"0xABC", "0xdef"}})
	require.NoError(t, err)
	res, body := do(t, http.MethodPost, ts.URL+"/names/batch", "application/json", req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	resp, err := model.UnmarshalBatchResponse(body)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"0xABC": "Bob"}, resp.Names)

	req, err = json.Marshal(&model.BatchRequest{Addresses: []string{"a", "b", "c"}})
	require.NoError(t, err)
	res, _ = do(t, http.MethodPost, ts.URL+"/names/batch", "application/json", req)
	require.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)

	res, _ = do(t, http.MethodPost, ts.URL+"/names/batch", "application/json", []byte("{"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPutName(t *testing.T) {
	s, ts := newTestServer(t, nameserver.WithToken("secret"))

	body, err := json.Marshal(&model.WriteRequest{Name: " Carol "})
	require.NoError(t, err)

	res, _ := do(t, http.MethodPut, ts.URL+"/names/W2", "", body)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Zero(t, s.Len())

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/names/W2", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	name, ok := s.Name("W2")
	require.True(t, ok)
	require.Equal(t, "Carol", name)

	req, err = http.NewRequest(http.MethodPut, ts.URL+"/names/W2", strings.NewReader(`{"name":""}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.ErrorContains(t, apierror.FromResponse(res.StatusCode, data), model.ErrMissingName.Error())
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, nameserver.WithRateLimit(rate.Every(1<<62), 1))

	res, _ := do(t, http.MethodGet, ts.URL+"/names", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := do(t, http.MethodGet, ts.URL+"/names", "", nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	require.ErrorIs(t, apierror.FromResponse(res.StatusCode, body), apierror.ErrUnavailable)
}

func TestPersistence(t *testing.T) {
	ds := dssync.MutexWrap(datastore.NewMapDatastore())

	s, err := nameserver.New(nameserver.WithStore(store.New(store.NewDatastoreBackend(ds))))
	require.NoError(t, err)
	require.NoError(t, s.SetName("W1", "Bob"))
	require.Error(t, s.SetName("W2", " "))
	require.NoError(t, s.Close())

	s, err = nameserver.New(nameserver.WithStore(store.New(store.NewDatastoreBackend(ds))))
	require.NoError(t, err)
	defer s.Close()
	name, ok := s.Name("W1")
	require.True(t, ok)
	require.Equal(t, "Bob", name)
	require.Equal(t, 1, s.Len())
}

func TestInvalidOptions(t *testing.T) {
	_, err := nameserver.New(nameserver.WithMaxBatchSize(0))
	require.Error(t, err)
	_, err = nameserver.New(nameserver.WithRateLimit(0, 1))
	require.Error(t, err)
}
