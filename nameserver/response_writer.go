package nameserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/walletnames/go-namecache/apierror"
	"github.com/walletnames/go-namecache/model"
)

const (
	mediaTypeNDJson = "application/x-ndjson"
	mediaTypeJson   = "application/json"
	mediaTypeAny    = "*/*"
)

// ResponseWriter writes a response in the media type negotiated from the
// request Accept header.
type ResponseWriter struct {
	w       http.ResponseWriter
	f       http.Flusher
	encoder *json.Encoder
	nd      bool
}

// NewResponseWriter negotiates the response media type. NDJSON is used only
// if the request accepts it and the caller allows streaming.
func NewResponseWriter(w http.ResponseWriter, r *http.Request, preferJSON, stream bool) (*ResponseWriter, error) {
	accepts := r.Header.Values("Accept")
	var nd, okJson bool
	for _, accept := range accepts {
		amts := strings.Split(accept, ",")
		for _, amt := range amts {
			mt, _, err := mime.ParseMediaType(amt)
			if err != nil {
				return nil, apierror.New(apierror.Rejected, errors.New("invalid Accept header"), http.StatusBadRequest)
			}
			switch mt {
			case mediaTypeNDJson:
				nd = stream
			case mediaTypeJson:
				okJson = true
			case mediaTypeAny:
				nd = stream && !preferJSON
				okJson = true
			}
		}
	}

	if len(accepts) == 0 {
		if !preferJSON {
			return nil, apierror.New(apierror.Rejected, errors.New("accept header must be specified"), http.StatusBadRequest)
		}
	} else if !okJson && !nd {
		return nil, apierror.New(apierror.Rejected, fmt.Errorf("media type not supported: %s", accepts), http.StatusBadRequest)
	}

	flusher, _ := w.(http.Flusher)
	if nd {
		w.Header().Set("Content-Type", mediaTypeNDJson)
		w.Header().Set("Connection", "Keep-Alive")
		w.Header().Set("X-Content-Type-Options", "nosniff")
	} else {
		w.Header().Set("Content-Type", mediaTypeJson)
	}

	return &ResponseWriter{
		w:       w,
		f:       flusher,
		encoder: json.NewEncoder(w),
		nd:      nd,
	}, nil
}

func (w *ResponseWriter) IsND() bool {
	return w.nd
}

func (w *ResponseWriter) Flush() {
	if w.f != nil {
		w.f.Flush()
	}
}

func (w *ResponseWriter) Encoder() *json.Encoder {
	return w.encoder
}

func (w *ResponseWriter) Header() http.Header {
	return w.w.Header()
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	return w.w.Write(b)
}

// NameResponseWriter writes a list of name records, either streamed one per
// line or as a single JSON array.
type NameResponseWriter struct {
	ResponseWriter
	count   int
	records []model.NameRecord
}

func NewNameResponseWriter(w *ResponseWriter) *NameResponseWriter {
	return &NameResponseWriter{
		ResponseWriter: *w,
	}
}

func (nw *NameResponseWriter) WriteNameRecord(rec model.NameRecord) error {
	if nw.nd {
		err := nw.encoder.Encode(rec)
		if err != nil {
			return err
		}
		nw.Flush()
	} else {
		nw.records = append(nw.records, rec)
	}
	nw.count++
	return nil
}

// Count returns the number of records written.
func (nw *NameResponseWriter) Count() int {
	return nw.count
}

func (nw *NameResponseWriter) Close() error {
	if nw.nd {
		return nil
	}
	data, err := model.MarshalNameRecords(nw.records)
	if err != nil {
		return err
	}
	_, err = nw.Write(data)
	return err
}
