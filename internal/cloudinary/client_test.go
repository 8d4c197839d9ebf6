package cloudinary

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	c := New("demo", "key", "secret", "")
	got := c.sign(map[string]string{"timestamp": "100", "public_id": "a", "api_key": "key", "folder": ""})
	want := fmt.Sprintf("%x", sha1.Sum([]byte("public_id=a&timestamp=100secret")))
	assert.Equal(t, want, got)
}

func TestPut(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("public_id") != "org-1/t-1" || r.FormValue("folder") != "passes" || r.FormValue("signature") == "" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"public_id":"passes/org-1/t-1","secure_url":"https://cdn.example/t-1.png"}`)
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "passes")
	c.APIBase = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	url, err := c.Put(context.Background(), "org-1/t-1.png", "image/png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/t-1.png", url)
	assert.Equal(t, "/demo/image/upload", gotPath)

	_, err = c.Put(context.Background(), "org-1/t-1.pdf", "application/pdf", []byte("pdf"))
	require.NoError(t, err)
	assert.Equal(t, "/demo/raw/upload", gotPath)
}
