package dispatch

import (
	"context"
	"fmt"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/federation/envelope"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/httpx"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
)

// Fetcher retrieves a single post by guid from the server a handle
// lives on, tries https before falling back to http, and verifies the
// returned envelope before normalizing it.
type Fetcher struct {
	transport  httpx.Transport
	codec      *envelope.Codec
	normalizer *message.Normalizer
	log        logging.Logger
}

func NewFetcher(transport httpx.Transport, codec *envelope.Codec, normalizer *message.Normalizer, log logging.Logger) *Fetcher {
	return &Fetcher{transport: transport, codec: codec, normalizer: normalizer, log: log}
}

func (f *Fetcher) Fetch(ctx context.Context, handle, guid string) (*message.Message, error) {
	host := models.HandleHost(handle)
	if host == "" {
		return nil, fmt.Errorf("%w: no origin host in %q", common.ErrParentNotFound, handle)
	}

	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		url := scheme + "://" + host + "/fetch/post/" + guid

		resp, err := f.transport.Get(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if !resp.OK() {
			lastErr = fmt.Errorf("%s returned %d", url, resp.StatusCode)
			continue
		}

		payload, author, err := f.codec.VerifyAndDecode(ctx, resp.Body, nil)
		if err != nil {
			f.log.Warn(ctx, "fetched envelope rejected", "url", url, "error", err)
			lastErr = err
			continue
		}

		msg, err := f.normalizer.Normalize(ctx, payload, author)
		if err != nil {
			lastErr = err
			continue
		}

		f.log.Debug(ctx, "fetched remote post", "guid", guid, "host", host)
		return msg, nil
	}

	return nil, fmt.Errorf("%w: fetch of %s from %s: %v", common.ErrParentNotFound, guid, host, lastErr)
}
