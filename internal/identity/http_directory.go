package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/fieldtrack/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 2 * time.Second
	maxResponseBody = 1 << 20
)

type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewHTTPDirectory(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPDirectory {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("identity.directory"),
	}
}

// Lookup performs a single GET /api/users/{id}. It never retries.
func (d *HTTPDirectory) Lookup(ctx context.Context, entityID string) (EntityInfo, error) {
	endpoint := d.baseURL + "/api/users/" + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return EntityInfo{}, err
	}
	req.Header.Set("Accept", "application/json")
	if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
		req.Header.Set(correlation.Header, cid)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return EntityInfo{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return EntityInfo{}, ErrEntityNotFound
	case resp.StatusCode != http.StatusOK:
		return EntityInfo{}, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var info EntityInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&info); err != nil {
		return EntityInfo{}, fmt.Errorf("%w: decode: %v", ErrServiceUnavailable, err)
	}
	if strings.TrimSpace(info.ID) == "" {
		info.ID = entityID
	}
	return info, nil
}
