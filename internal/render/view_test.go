package render

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(seq uint64, image string) Result {
	return Result{Render: Render{Seq: seq}, Image: []byte(image)}
}

func TestView_DiscardsStale(t *testing.T) {
	v := NewView(nil)
	_, ok := v.Current()
	assert.False(t, ok)

	assert.True(t, v.Accept(result(2, "two")))
	assert.False(t, v.Accept(result(1, "one")), "older result arrived late")
	assert.False(t, v.Accept(result(2, "again")))

	current, ok := v.Current()
	require.True(t, ok)
	assert.Equal(t, "two", string(current.Image))

	assert.True(t, v.Accept(result(3, "three")))
	current, _ = v.Current()
	assert.Equal(t, uint64(3), current.Render.Seq)
}

func TestView_FailureKeepsPrevious(t *testing.T) {
	v := NewView(nil)
	require.True(t, v.Accept(result(1, "one")))

	assert.False(t, v.Accept(Result{Render: Render{Seq: 2}, Err: errors.New("boom")}))
	current, ok := v.Current()
	require.True(t, ok)
	assert.Equal(t, "one", string(current.Image))

	// A failure does not block an older, successful result from showing.
	assert.False(t, v.Accept(Result{Render: Render{Seq: 4}, Err: errors.New("boom")}))
	assert.True(t, v.Accept(result(3, "three")))
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/svg/bad" {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write([]byte("<svg/>"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())

	res := f.Fetch(context.Background(), Render{Seq: 1, URL: srv.URL + "/svg/good"})
	require.NoError(t, res.Err)
	assert.Equal(t, "<svg/>", string(res.Image))
	assert.Equal(t, "image/svg+xml", res.ContentType)
	assert.Equal(t, uint64(1), res.Render.Seq)

	res = f.Fetch(context.Background(), Render{Seq: 2, URL: srv.URL + "/svg/bad"})
	assert.ErrorContains(t, res.Err, "400")
	assert.Nil(t, res.Image)
}

func TestFetcher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewFetcher(nil).Fetch(context.Background(), Render{Seq: 1, URL: url + "/svg/x"})
	assert.Error(t, res.Err)
}
