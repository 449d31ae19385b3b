// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrRoute    = "route"
	attrStatus   = "status"
	attrPlatform = "platform"
	attrPhase    = "phase"
	attrStage    = "stage"
	attrOp       = "op"
	attrSuccess  = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr labels a request by the route pattern that served it. The
// method is a label of its own, so a "GET /v1/runs/{runId}" pattern is
// reduced to its path.
func routeAttr(route string) attribute.KeyValue {
	if _, path, ok := strings.Cut(route, " "); ok {
		route = path
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func platformAttr(platform string) attribute.KeyValue {
	return attribute.String(attrPlatform, strings.ToLower(platform))
}

func phaseAttr(phase string) attribute.KeyValue {
	return attribute.String(attrPhase, phase)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}
