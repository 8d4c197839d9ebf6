package render

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TicketNumber != "LPT-2025-000001" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{QRPNG: []byte("png"), PDF: []byte("pdf")})
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	res, err := c.Render(context.Background(), Request{TicketNumber: "LPT-2025-000001", Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "png", string(res.QRPNG))
	assert.Equal(t, "pdf", string(res.PDF))

	_, err = c.Render(context.Background(), Request{TicketNumber: "LPT-2025-000002", Token: "tok"})
	assert.Error(t, err, "server error")
	_, err = c.Render(context.Background(), Request{})
	assert.Error(t, err, "missing token")
}

func TestClientSkip(t *testing.T) {
	c := New("http://unused.invalid", true)
	res, err := c.Render(context.Background(), Request{TicketNumber: "LPT-2025-000001", Token: "tok"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(res.PDF, []byte("%PDF")), "pdf = %q", res.PDF)
	assert.NotEmpty(t, res.QRPNG)
	assert.NoError(t, c.Health(context.Background()), "skip mode")
}

func TestDirStore(t *testing.T) {
	root := t.TempDir()
	s, err := NewDirStore(root)
	require.NoError(t, err)
	path, err := s.Put(context.Background(), "org-1/t-1.png", ContentTypePNG, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "org-1", "t-1.png"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
	_, err = s.Put(context.Background(), "../escape.png", ContentTypePNG, nil)
	assert.Error(t, err, "outside root")
}
