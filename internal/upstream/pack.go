package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/gitproto"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/utils"
)

// Request bodies above this size are sent gzip-encoded, as git does.
const gzipRequestThreshold = 1024

// NegotiatePack forwards a validated upload-pack request to the physical
// repository and returns the response stream. The stream is tied to ctx:
// cancelling it aborts the upstream transfer. The caller must close it.
func (c *Client) NegotiatePack(ctx context.Context, ureq *gitproto.UploadRequest) (io.ReadCloser, error) {
	var body bytes.Buffer
	if err := ureq.Encode(&body); err != nil {
		return nil, err
	}

	payload, encoding := body.Bytes(), ""
	if len(payload) > gzipRequestThreshold {
		compressed, err := utils.GzipCompress(payload)
		if err != nil {
			return nil, err
		}
		payload, encoding = compressed, "gzip"
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.opts.GitURL+"/"+gitproto.ServiceUploadPack, payload)
	if err != nil {
		return nil, err
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
	req.Header.Set("Accept", "application/x-git-upload-pack-result")
	c.gitAuth(req)

	resp, err := c.git.Do(req)
	if err != nil {
		return nil, classify("upload-pack", resp, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer drain(resp.Body)
		return nil, classify("upload-pack", resp, nil)
	}
	return resp.Body, nil
}
