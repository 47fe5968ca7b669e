package api

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/awslabs/aws-lambda-go-api-proxy/core"
)

// LambdaHandler adapts the server router to API Gateway proxy events.
func (s *Server) LambdaHandler() func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return chiadapter.New(s.router).ProxyWithContext
}

// gatewayRequestID returns the API Gateway request id when the request came
// through LambdaHandler.
func gatewayRequestID(ctx context.Context) string {
	gw, ok := core.GetAPIGatewayContextFromContext(ctx)
	if !ok {
		return ""
	}
	return gw.RequestID
}
