package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultAPIBase is Cloudinary's upload API root.
const DefaultAPIBase = "https://api.cloudinary.com/v1_1"

// Client uploads ticket artifacts to Cloudinary using their REST API.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	APIBase   string
	HTTP      *http.Client
	now       func() time.Time
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		APIBase:   DefaultAPIBase,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// UploadResult holds the response from Cloudinary after a successful upload.
type UploadResult struct {
	PublicID     string `json:"public_id"`
	SecureURL    string `json:"secure_url"`
	URL          string `json:"url"`
	Format       string `json:"format"`
	ResourceType string `json:"resource_type"`
	Bytes        int    `json:"bytes"`
}

// Put uploads an artifact and returns its secure URL. PNGs are uploaded as
// images, everything else as raw files.
func (c *Client) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	resourceType := "raw"
	if strings.HasPrefix(contentType, "image/") {
		resourceType = "image"
	}
	res, err := c.Upload(ctx, data, name, resourceType)
	if err != nil {
		return "", err
	}
	return res.SecureURL, nil
}

// Upload sends data as a multipart upload. The public id is derived from
// filename without its extension.
func (c *Client) Upload(ctx context.Context, data []byte, filename, resourceType string) (*UploadResult, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
		"api_key":   c.APIKey,
		"public_id": strings.TrimSuffix(filename, path.Ext(filename)),
	}
	if c.Folder != "" {
		params["folder"] = c.Folder
	}
	params["signature"] = c.sign(params)

	body, contentType, err := encodeForm(params, path.Base(filename), data)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/%s/%s/upload", c.APIBase, c.CloudName, resourceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, "cloudinary: build request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "cloudinary: upload")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("cloudinary: upload %s returned %d: %s", filename, resp.StatusCode, raw)
	}
	var result UploadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "cloudinary: decode response")
	}
	return &result, nil
}

// encodeForm writes params in key order followed by the file part.
func encodeForm(params map[string]string, filename string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range sortedKeys(params) {
		if err := w.WriteField(k, params[k]); err != nil {
			return nil, "", errors.Wrapf(err, "cloudinary: write field %s", k)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", errors.Wrap(err, "cloudinary: create file part")
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", errors.Wrap(err, "cloudinary: write file part")
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "cloudinary: close form")
	}
	return &buf, w.FormDataContentType(), nil
}

// unsigned lists the upload parameters Cloudinary leaves out of the
// signature.
var unsigned = map[string]bool{"api_key": true, "file": true, "resource_type": true}

// sign returns the hex SHA-1 of the signed params joined as k=v&k=v in key
// order, followed by the API secret. Empty values are skipped.
func (c *Client) sign(params map[string]string) string {
	var sb strings.Builder
	for _, k := range sortedKeys(params) {
		if unsigned[k] || params[k] == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k + "=" + params[k])
	}
	sb.WriteString(c.APISecret)
	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
