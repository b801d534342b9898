package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const orthancTimeout = 30 * time.Second

// Sender pushes single DICOM instances to a PACS.
type Sender interface {
	Send(ctx context.Context, file string) error
}

// OrthancClient posts DICOM files to an Orthanc server's /instances endpoint.
type OrthancClient struct {
	client  *resty.Client
	baseURL string
}

var _ Sender = (*OrthancClient)(nil)

func NewOrthancClient(baseURL string) (*OrthancClient, error) {
	client := resty.New()
	client.SetTimeout(orthancTimeout)
	client.SetRetryCount(0)

	return NewOrthancClientWithResty(baseURL, client)
}

func NewOrthancClientWithResty(baseURL string, client *resty.Client) (*OrthancClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("orthanc url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid orthanc url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	client.SetRetryCount(0)

	return &OrthancClient{client: client, baseURL: baseURL}, nil
}

func (o *OrthancClient) Send(ctx context.Context, file string) error {
	body, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/dicom").
		SetBody(body).
		Post(o.baseURL + "/instances")
	if err != nil {
		return &Error{Op: "orthanc send", Transient: !errors.Is(err, context.Canceled), Cause: err}
	}

	code := resp.StatusCode()
	if code < http.StatusOK || code >= http.StatusMultipleChoices {
		return &Error{
			Op:         "orthanc send",
			StatusCode: code,
			Transient:  transientStatus(code),
			Cause:      fmt.Errorf("%s", strings.TrimSpace(resp.String())),
		}
	}
	return nil
}
