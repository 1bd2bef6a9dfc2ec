package main

import (
	"context"
	"maps"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// lambdaHandler serves API Gateway HTTP API (payload v2) events with an
// http.Handler.
type lambdaHandler struct {
	adapter *httpadapter.HandlerAdapterV2
}

func newLambdaHandler(h http.Handler) *lambdaHandler {
	return &lambdaHandler{adapter: httpadapter.NewV2(h)}
}

// Handle proxies the event through the router. The gateway request id
// becomes X-Request-Id unless the caller sent one.
func (l *lambdaHandler) Handle(ctx context.Context, event events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if id := event.RequestContext.RequestID; id != "" && !hasHeader(event.Headers, "X-Request-Id") {
		headers := make(map[string]string, len(event.Headers)+1)
		maps.Copy(headers, event.Headers)
		headers["x-request-id"] = id
		event.Headers = headers
	}
	return l.adapter.ProxyWithContext(ctx, event)
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
