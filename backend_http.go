package logextract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
)

const maxLineBytes = 4 << 20

// postJSON marshals body and POSTs it. A non-2xx status is returned as a
// *BackendError and the response body is closed.
func postJSON(ctx context.Context, hc *http.Client, backend, url string, body any, header http.Header) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", backend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", backend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return do(hc, backend, req)
}

func getURL(ctx context.Context, hc *http.Client, backend, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", backend, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return do(hc, backend, req)
}

func do(hc *http.Client, backend string, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s request: %w", backend, ctxErr)
		}
		return nil, &BackendError{Backend: backend, Message: err.Error(), Err: err}
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &BackendError{Backend: backend, Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	return resp, nil
}

// errorMessage extracts {"error": "..."} or {"error": {"message": "..."}}
// from an error body, falling back to the body text or the status line.
func errorMessage(raw []byte, status string) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return status
	}
	p := envelopeParsers.Get()
	defer envelopeParsers.Put(p)
	if v, err := p.ParseBytes(raw); err == nil {
		if msg := v.GetStringBytes("error"); msg != nil {
			return string(msg)
		}
		if msg := v.GetStringBytes("error", "message"); msg != nil {
			return string(msg)
		}
		if msg := v.GetStringBytes("message"); msg != nil {
			return string(msg)
		}
	}
	return strings.TrimSpace(string(raw[:min(512, len(raw))]))
}

// lineFragments yields each non-blank line of body as one fragment. The body
// is closed when the sequence ends or the consumer stops early. A read error
// is yielded as a final fragment carrying Err.
func lineFragments(ctx context.Context, backend string, body io.ReadCloser) iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		defer body.Close()
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			if !yield(Fragment{Payload: bytes.Clone(line)}) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else {
				err = &BackendError{Backend: backend, Message: "stream interrupted: " + err.Error(), Err: err}
			}
			yield(Fragment{Err: err})
		}
	}
}
