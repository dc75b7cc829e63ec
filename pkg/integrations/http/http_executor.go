package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/clbanning/mxj/v2"
	"github.com/rs/zerolog/log"
)

const (
	OutputKeyRawResponse = "httpRawResponse"
	OutputKeyStatusCode  = "httpStatusCode"

	maxResponseBytes = 10 << 20
)

type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type HTTPRequestParams struct {
	Method         string   `json:"method"`
	URL            string   `json:"url"`
	Headers        []Header `json:"headers"`
	QueryParams    []Header `json:"query_params"`
	JSONBody       any      `json:"json_body"`
	TextBody       string   `json:"text_body"`
	TimeoutSeconds float64  `json:"timeout"`
}

type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := HTTPRequestParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	if p.URL == "" {
		return domain.NodeResult{}, fmt.Errorf("http request url is empty")
	}

	if p.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	req, err := e.newRequest(ctx, p)
	if err != nil {
		return domain.NodeResult{}, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return domain.NodeResult{}, fmt.Errorf("failed to execute http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.NodeResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("url", p.URL).Msg("HTTP request failed")

		return domain.NodeResult{}, fmt.Errorf("http request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoded, err := decodeResponseBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return domain.NodeResult{}, err
	}

	data := map[string]any{}

	if fields, ok := decoded.(map[string]any); ok {
		for key, value := range fields {
			data[key] = value
		}
	}

	data[OutputKeyRawResponse] = decoded
	data[OutputKeyStatusCode] = resp.StatusCode

	return domain.NodeResult{
		Data:    data,
		Details: map[string]any{"method": req.Method, "url": req.URL.String(), "statusCode": resp.StatusCode},
	}, nil
}

func (e *HTTPExecutor) newRequest(ctx context.Context, p HTTPRequestParams) (*http.Request, error) {
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	contentType := ""

	switch {
	case p.TextBody != "":
		bodyReader = strings.NewReader(p.TextBody)
		contentType = "text/plain"
	case p.JSONBody != nil:
		raw, err := json.Marshal(p.JSONBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal json body: %w", err)
		}

		bodyReader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for _, header := range p.Headers {
		if header.Key != "" {
			req.Header.Set(header.Key, header.Value)
		}
	}

	if len(p.QueryParams) > 0 {
		query := req.URL.Query()
		for _, param := range p.QueryParams {
			if param.Key != "" {
				query.Add(param.Key, param.Value)
			}
		}

		req.URL.RawQuery = query.Encode()
	}

	return req, nil
}

// decodeResponseBody turns JSON and XML bodies into maps. Anything else is
// returned as text.
func decodeResponseBody(contentTypeHeader string, body []byte) (any, error) {
	mediaType, _, _ := strings.Cut(contentTypeHeader, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch {
	case len(body) == 0:
		return "", nil

	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode json response: %w", err)
		}

		return decoded, nil

	case mediaType == "application/xml" || mediaType == "text/xml" || strings.HasSuffix(mediaType, "+xml"):
		mv, err := mxj.NewMapXml(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode xml response: %w", err)
		}

		return map[string]any(mv), nil

	default:
		return string(body), nil
	}
}
