package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/planrun/planrun/pkg/errors"
)

// HTTPSource fetches frames from the run's frame endpoint. Every request
// carries a timestamp and the attempt number as query parameters so no
// intermediary cache can serve a frame from a previous connection.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) { s.client = client }
}

// NewHTTPSource creates a frame source against baseURL.
func NewHTTPSource(baseURL, token string, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect probes the frame endpoint once. The probed frame is buffered and
// returned by the first Next, so a successful Connect means the stream is
// actually producing.
func (s *HTTPSource) Connect(ctx context.Context, runID string, attempt int) (Stream, error) {
	st := &httpStream{source: s, runID: runID, attempt: attempt}
	frame, err := st.fetch(ctx)
	if err != nil {
		return nil, err
	}
	st.buffered = &frame
	return st, nil
}

type httpStream struct {
	source   *HTTPSource
	runID    string
	attempt  int
	seq      int
	buffered *Frame
}

func (st *httpStream) Next(ctx context.Context) (Frame, error) {
	if st.buffered != nil {
		frame := *st.buffered
		st.buffered = nil
		return frame, nil
	}
	return st.fetch(ctx)
}

func (st *httpStream) Close() error { return nil }

func (st *httpStream) fetch(ctx context.Context) (Frame, error) {
	st.seq++
	url := fmt.Sprintf("%s/api/runs/%s/frame?ts=%s&attempt=%d&seq=%d",
		st.source.baseURL, st.runID,
		strconv.FormatInt(time.Now().UnixMilli(), 10), st.attempt, st.seq)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to build frame request")
	}
	if st.source.token != "" {
		req.Header.Set("Authorization", "Bearer "+st.source.token)
	}

	resp, err := st.source.client.Do(req)
	if err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrCodeTransientNetwork, "frame fetch failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Frame{}, errors.New(errors.ErrCodeTerminalStream,
			fmt.Sprintf("frame endpoint gone (%d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return Frame{}, errors.New(errors.ErrCodeTransientNetwork,
			fmt.Sprintf("frame endpoint returned %d", resp.StatusCode))
	default:
		return Frame{}, errors.New(errors.ErrCodeGatewayProtocol,
			fmt.Sprintf("unexpected frame response %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrCodeTransientNetwork, "failed to read frame body")
	}
	return Frame{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		CapturedAt:  time.Now(),
	}, nil
}
