package replication

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/syncstore/syncstore/internal/blobstore"
	"github.com/syncstore/syncstore/internal/revtree"
)

// wireDigest renders a hex SHA-1 (the blobstore's content address) as the
// "sha1-<base64>" form CouchDB-family peers use in "_attachments".
func wireDigest(hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("replication: malformed digest %q: %w", hexDigest, err)
	}
	return "sha1-" + base64.StdEncoding.EncodeToString(raw), nil
}

// hexDigestFromWire is the inverse of wireDigest.
func hexDigestFromWire(wire string) (string, error) {
	const prefix = "sha1-"
	if len(wire) <= len(prefix) || wire[:len(prefix)] != prefix {
		return "", fmt.Errorf("replication: unsupported attachment digest algorithm %q", wire)
	}
	raw, err := base64.StdEncoding.DecodeString(wire[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("replication: malformed digest %q: %w", wire, err)
	}
	return hex.EncodeToString(raw), nil
}

// resolvePullAttachment materializes one incoming attachment into the blob
// store, returning the revtree.Attachment to record against the new
// revision. Per §4.2 "attachment skipping": if the content is already
// present locally by digest, the fetch is skipped entirely and the
// existing blob is reused.
func resolvePullAttachment(ctx context.Context, client *Client, blobs *blobstore.Store, docID, rev, filename string, remote RemoteAttachment, inline bool) (revtree.Attachment, error) {
	digest, err := hexDigestFromWire(remote.Digest)
	if err != nil {
		return revtree.Attachment{}, err
	}

	if blobs.Has(digest) {
		return revtree.Attachment{
			Filename: filename, Digest: digest, ContentType: remote.ContentType,
			Encoding: encodingOrPlain(remote.Encoding), Length: remote.Length,
			EncodedLength: nonZero(remote.EncodedLength, remote.Length), RevPos: remote.RevPos,
		}, nil
	}

	var stored string
	var length int64
	switch {
	case remote.Data != "":
		raw, derr := base64.StdEncoding.DecodeString(remote.Data)
		if derr != nil {
			return revtree.Attachment{}, fmt.Errorf("%w: decode inline attachment %s/%s: %v", revtree.ErrAttachmentNotSaved, docID, filename, derr)
		}
		stored, err = blobs.Put(raw)
		length = int64(len(raw))
	case remote.Follows || !inline:
		rc, ferr := client.FetchAttachment(ctx, docID, filename, rev)
		if ferr != nil {
			return revtree.Attachment{}, fmt.Errorf("%w: fetch streamed attachment %s/%s: %v", revtree.ErrAttachmentNotSaved, docID, filename, ferr)
		}
		defer rc.Close()
		stored, length, err = blobs.PutStream(rc)
	default:
		return revtree.Attachment{}, fmt.Errorf("%w: attachment %s/%s has neither inline data nor a streamed source", revtree.ErrAttachmentNotSaved, docID, filename)
	}
	if err != nil {
		return revtree.Attachment{}, fmt.Errorf("%w: store attachment %s/%s: %v", revtree.ErrAttachmentNotSaved, docID, filename, err)
	}
	if stored != digest {
		return revtree.Attachment{}, fmt.Errorf("%w: attachment %s/%s digest mismatch: remote %s, computed %s", revtree.ErrAttachmentNotSaved, docID, filename, digest, stored)
	}

	return revtree.Attachment{
		Filename: filename, Digest: digest, ContentType: remote.ContentType,
		Encoding: encodingOrPlain(remote.Encoding), Length: length,
		EncodedLength: nonZero(remote.EncodedLength, length), RevPos: remote.RevPos,
	}, nil
}

// buildPushAttachments renders local attachments into the wire shape for
// _bulk_docs, inlining content as base64. Real CouchDB accepts inline
// base64 attachments in a _bulk_docs JSON body as well as multipart; this
// is the variant this package produces.
func buildPushAttachments(blobs *blobstore.Store, atts []revtree.Attachment) (map[string]RemoteAttachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	out := make(map[string]RemoteAttachment, len(atts))
	for _, a := range atts {
		data, err := blobs.Get(a.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: read attachment %s for push: %v", revtree.ErrAttachmentNotSaved, a.Filename, err)
		}
		digest, err := wireDigest(a.Digest)
		if err != nil {
			return nil, err
		}
		out[a.Filename] = RemoteAttachment{
			ContentType: a.ContentType, Digest: digest, Length: a.Length,
			EncodedLength: a.EncodedLength, Encoding: encodingForWire(a.Encoding),
			RevPos: a.RevPos, Data: base64.StdEncoding.EncodeToString(data),
		}
	}
	return out, nil
}

func encodingOrPlain(enc string) string {
	if enc == "" {
		return "plain"
	}
	return enc
}

func encodingForWire(enc string) string {
	if enc == "plain" {
		return ""
	}
	return enc
}

func nonZero(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

// FetchAttachment issues GET /db/{id}/{name}?rev= for streamed attachment
// pulls, per §6's enumerated external interface.
func (c *Client) FetchAttachment(ctx context.Context, docID, filename, rev string) (io.ReadCloser, error) {
	q := fmt.Sprintf("/%s/%s?rev=%s", url.PathEscape(docID), url.PathEscape(filename), url.QueryEscape(rev))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}
