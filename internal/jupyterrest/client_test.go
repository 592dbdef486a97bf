package jupyterrest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	c := New("http://localhost:8888", "tok")
	assert.Equal(t, "http://localhost:8888/api/kernels", c.ResolveURL("/api/kernels"))
	assert.Equal(t, "http://localhost:8888/api/kernels", c.ResolveURL("api/kernels"))
	assert.Equal(t, "http://other:9999/x", c.ResolveURL("http://other:9999/x"))
}

func TestGetKernelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.GetKernel(context.Background(), "abc")
	require.Error(t, err)
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestCreateKernelAndAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"newid","name":"python3"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	k, err := c.CreateKernel(context.Background(), "python3")
	require.NoError(t, err)
	assert.Equal(t, "newid", k.ID)
	assert.Equal(t, "token secret-token", gotAuth)
}

func TestPutContents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/contents/foo/bar.ipynb", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	err := c.PutContents(context.Background(), "foo/bar.ipynb", []byte(`{"cells":[]}`))
	require.NoError(t, err)
}
