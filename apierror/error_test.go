package apierror_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/walletnames/go-namecache/apierror"
)

func TestNew(t *testing.T) {
	err := apierror.New(apierror.Rejected, errors.New("name taken"), 0)
	require.Equal(t, "name taken", err.Error())
	require.ErrorIs(t, err, apierror.ErrRejected)
	require.NotErrorIs(t, err, apierror.ErrUnavailable)

	err = apierror.New(apierror.Unavailable, nil, http.StatusServiceUnavailable)
	require.Equal(t, fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)), err.Error())

	err = apierror.New(apierror.Malformed, nil, 0)
	require.Equal(t, "remote response malformed", err.Error())

	err = apierror.New(apierror.Unavailable, nil, 999)
	require.Equal(t, "999", err.Error())
}

func TestFromResponse(t *testing.T) {
	err := apierror.FromResponse(0, []byte(" hello world\n"))
	require.Equal(t, "hello world", err.Error())
	require.ErrorIs(t, err, apierror.ErrUnavailable)

	require.NoError(t, apierror.FromResponse(0, nil))

	err = apierror.FromResponse(http.StatusUnprocessableEntity, []byte(" bad name\n"))
	require.Equal(t, "bad name", err.Error())
	require.ErrorIs(t, err, apierror.ErrRejected)

	var ae *apierror.Error
	require.True(t, errors.As(err, &ae))
	require.Equal(t, http.StatusUnprocessableEntity, ae.Status())
	require.Equal(t, apierror.Rejected, ae.Kind())

	err = apierror.FromResponse(http.StatusTooManyRequests, nil)
	require.Equal(t, fmt.Sprintf("%d %s", http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests)), err.Error())
	require.ErrorIs(t, err, apierror.ErrUnavailable)

	err = apierror.FromResponse(http.StatusBadGateway, []byte(`{"Message":"upstream down","Status":502}`))
	require.Equal(t, "upstream down", err.Error())
	require.ErrorIs(t, err, apierror.ErrUnavailable)
}

func TestClassify(t *testing.T) {
	require.NoError(t, apierror.Classify(nil))

	err := apierror.Classify(context.DeadlineExceeded)
	require.ErrorIs(t, err, apierror.ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = apierror.Classify(errors.New("connection refused"))
	require.ErrorIs(t, err, apierror.ErrUnavailable)

	rejected := apierror.NewRejected(errors.New("too long"))
	require.Same(t, rejected, apierror.Classify(rejected))

	wrapped := fmt.Errorf("write failed: %w", apierror.NewMalformed(nil))
	require.Equal(t, wrapped, apierror.Classify(wrapped))
	require.ErrorIs(t, apierror.Classify(wrapped), apierror.ErrMalformed)
}

func TestEncodeError(t *testing.T) {
	require.Nil(t, apierror.EncodeError(nil))

	err := apierror.New(apierror.Rejected, errors.New("name too long"), http.StatusBadRequest)
	data := apierror.EncodeError(err)
	require.JSONEq(t, `{"Message":"name too long","Status":400}`, string(data))

	derr := apierror.FromResponse(http.StatusBadRequest, data)
	require.Equal(t, "name too long", derr.Error())
	var ae *apierror.Error
	require.ErrorAs(t, derr, &ae)
	require.Equal(t, http.StatusBadRequest, ae.Status())
	require.ErrorIs(t, ae, apierror.ErrRejected)

	data = apierror.EncodeError(errors.New("some error"))
	require.JSONEq(t, `{"Message":"some error"}`, string(data))
}

func TestUnwrap(t *testing.T) {
	errEOF := errors.New("end of file")
	err := apierror.NewMalformed(errEOF)
	require.ErrorIs(t, err, errEOF)
	require.ErrorIs(t, err, apierror.ErrMalformed)
}
