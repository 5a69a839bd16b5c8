package gitproto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

const (
	shaA = "1111111111111111111111111111111111111111"
	shaB = "2222222222222222222222222222222222222222"
)

func pkts(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	e := pktline.NewEncoder(&buf)
	for _, l := range lines {
		var err error
		if l == "" {
			err = e.Flush()
		} else {
			err = e.EncodeString(l)
		}
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func TestDecodeCloneRequest(t *testing.T) {
	body := pkts(t,
		"want "+shaA+" multi_ack_detailed side-band-64k thin-pack ofs-delta deepen-since deepen-not agent=git/2.45.0\n",
		"deepen 1\n",
		"",
		"done\n",
	)

	req, err := DecodeUploadRequest(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []string{shaA}, req.Wants)
	assert.Equal(t, []string{"deepen 1"}, req.Deepen)
	assert.True(t, req.Done)
	assert.True(t, req.Cacheable())
	assert.True(t, req.HasCapability("agent"))
	assert.True(t, req.HasCapability("side-band-64k"))
	assert.False(t, req.HasCapability("side-band"))
}

func TestDecodeFetchWithHaves(t *testing.T) {
	body := pkts(t,
		"want "+shaA+" multi_ack\n",
		"",
		"have "+shaB+"\n",
		"",
	)

	req, err := DecodeUploadRequest(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []string{shaB}, req.Haves)
	assert.False(t, req.Done)
	assert.False(t, req.Cacheable())

	var out bytes.Buffer
	require.NoError(t, req.Encode(&out))
	assert.Equal(t, string(body), out.String())
}

func TestEncodeRoundTripsCanonicalRequest(t *testing.T) {
	body := pkts(t,
		"want "+shaA+" ofs-delta side-band-64k\n",
		"want "+shaA+"\n",
		"shallow "+shaB+"\n",
		"deepen 3\n",
		"filter blob:none\n",
		"",
		"have "+shaB+"\n",
		"done\n",
	)
	req, err := DecodeUploadRequest(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "blob:none", req.Filter)

	var out bytes.Buffer
	require.NoError(t, req.Encode(&out))
	assert.Equal(t, string(body), out.String())
}

func TestDecodeViolations(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{name: "empty", body: nil},
		{name: "no wants", body: pkts(t, "", "done\n")},
		{name: "bad hash", body: pkts(t, "want xyz\n", "")},
		{name: "unterminated", body: pkts(t, "want "+shaA+"\n")},
		{name: "unknown command", body: pkts(t, "want "+shaA+"\n", "push refs/heads/master\n", "")},
		{name: "caps on second want", body: pkts(t, "want "+shaA+"\n", "want "+shaA+" ofs-delta\n", "")},
		{name: "garbage in have section", body: pkts(t, "want "+shaA+"\n", "", "give me everything\n")},
		{name: "data after done", body: pkts(t, "want "+shaA+"\n", "", "done\n", "have "+shaB+"\n")},
		{name: "not pkt-line", body: []byte("GET / HTTP/1.1\r\n")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeUploadRequest(bytes.NewReader(tc.body))
			require.Error(t, err)
			assert.True(t, models.IsType(err, models.ErrProtocolViolation), "got %v", err)
		})
	}
}

func TestAdvertisementListsOnlyMaster(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAdvertisement(&buf, shaA, "aur-mirror-meta/test"))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "001e# service=git-upload-pack\n0000"))
	assert.Contains(t, out, shaA+" HEAD\x00multi_ack thin-pack side-band side-band-64k ofs-delta shallow")
	assert.Contains(t, out, "symref=HEAD:refs/heads/master")
	assert.Contains(t, out, "object-format=sha1")
	assert.Contains(t, out, "agent=aur-mirror-meta/test")
	assert.True(t, strings.HasSuffix(out, shaA+" refs/heads/master\n0000"))

	branches, err := ReadBranches(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []models.Branch{{Name: "master", Commit: shaA}}, branches)
}

func TestAdvertisementRejectsBadSHA(t *testing.T) {
	assert.Error(t, WriteAdvertisement(&bytes.Buffer{}, "main", "x"))
}

func TestReadBranchesFailsOnTruncation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAdvertisement(&buf, shaA, "x"))
	full := buf.Bytes()

	_, err := ReadBranches(bytes.NewReader(full[:len(full)-4]))
	assert.Error(t, err)
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteError(&buf, "want not advertised"))
	assert.Equal(t, "001cERR want not advertised\n", buf.String())
}
