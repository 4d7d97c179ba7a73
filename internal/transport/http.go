package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/meshwire/courier/errs"
)

const sendPathPrefix = "/_federation/v1/send/"

// HTTPSink delivers transactions over HTTP PUT to each destination server.
type HTTPSink struct {
	client *http.Client
	scheme string
}

// NewHTTPSink constructs a sink using the given URL scheme and request timeout.
func NewHTTPSink(scheme string, timeout time.Duration) *HTTPSink {
	if scheme == "" {
		scheme = "https"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		client: &http.Client{Timeout: timeout},
		scheme: scheme,
	}
}

// Send marshals the transaction and PUTs it to the destination.
func (s *HTTPSink) Send(ctx context.Context, txn *Transaction) error {
	if txn == nil || txn.Destination == "" {
		return errs.New("transport", errs.CodeInvalid, errs.WithMessage("transaction missing destination"))
	}
	body, err := json.Marshal(txn)
	if err != nil {
		return errs.New("transport", errs.CodeInvalid,
			errs.WithDestination(txn.Destination),
			errs.WithMessage("marshal transaction"),
			errs.WithCause(err))
	}

	url := fmt.Sprintf("%s://%s%s%s", s.scheme, txn.Destination, sendPathPrefix, txn.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return errs.New("transport", errs.CodeInvalid,
			errs.WithDestination(txn.Destination),
			errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New("transport", errs.CodeNetwork,
			errs.WithDestination(txn.Destination),
			errs.WithCause(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.New("transport", errs.CodeRateLimited,
			errs.WithDestination(txn.Destination),
			errs.WithMessage(fmt.Sprintf("remote returned %d", resp.StatusCode)))
	default:
		return errs.New("transport", errs.CodeNetwork,
			errs.WithDestination(txn.Destination),
			errs.WithMessage(fmt.Sprintf("remote returned %d", resp.StatusCode)))
	}
}
