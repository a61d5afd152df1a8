package api

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/repmbridge/internal/result"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with both call routes for
// every method.
func buildOpenAPIDoc(methods []string) map[string]any {
	names := append([]string(nil), methods...)
	sort.Strings(names)

	paths := map[string]any{}
	for _, name := range names {
		for path, item := range buildMethodPaths(name) {
			paths[path] = item
		}
	}

	paths["/calls/{callID}"] = map[string]any{
		"get": map[string]any{
			"operationId": "getCall",
			"summary":     "Look up a completed call in the journal",
			"responses": map[string]any{
				"200": map[string]any{"description": "Journal entry"},
				"404": map[string]any{"description": "Unknown call or journal disabled"},
			},
			"security": bearer(),
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "repmbridge",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"CallError": callErrorSchema(),
			},
		},
	}
}

func buildMethodPaths(method string) map[string]any {
	responses := func(ok map[string]any) map[string]any {
		return map[string]any{
			"200": ok,
			"400": map[string]any{"description": "Malformed request"},
			"403": map[string]any{"description": "Insufficient scope"},
			"422": errorResponse("Engine returned an error"),
			"503": errorResponse("Lane full or shutting down"),
		}
	}

	return map[string]any{
		fmt.Sprintf("/call/%s", method): map[string]any{
			"post": map[string]any{
				"operationId": method,
				"summary":     fmt.Sprintf("Call %s", method),
				"tags":        []string{"calls"},
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{
								"type":     "object",
								"required": []string{"args"},
								"properties": map[string]any{
									"args": map[string]any{
										"type":     "array",
										"minItems": 1,
										"maxItems": 2,
									},
								},
							},
						},
					},
				},
				"responses": responses(map[string]any{"description": "Call result"}),
				"security":  bearer(),
			},
		},
		fmt.Sprintf("/call/%s/{handle}", method): map[string]any{
			"post": map[string]any{
				"operationId": method + "Bytes",
				"summary":     fmt.Sprintf("Call %s with raw bytes", method),
				"tags":        []string{"calls"},
				"parameters": []any{map[string]any{
					"name":     "handle",
					"in":       "path",
					"required": true,
					"schema":   map[string]any{"type": "string"},
				}},
				"requestBody": map[string]any{
					"content": map[string]any{
						"application/octet-stream": map[string]any{},
					},
				},
				"responses": responses(map[string]any{
					"description": "Raw call result",
					"content": map[string]any{
						"application/octet-stream": map[string]any{},
					},
				}),
				"security": bearer(),
			},
		},
	}
}

func errorResponse(desc string) map[string]any {
	return map[string]any{
		"description": desc,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/CallError"},
			},
		},
	}
}

func callErrorSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"error": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code":    map[string]any{"type": "string", "const": result.ErrorCode},
					"message": map[string]any{"type": "string"},
					"details": map[string]any{"type": "null"},
				},
			},
		},
	}
}

func bearer() []any {
	return []any{map[string]any{"BearerAuth": []string{}}}
}
