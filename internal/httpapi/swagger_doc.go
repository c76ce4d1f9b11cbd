//go:build swagger

package httpapi

import "github.com/swaggo/swag"

// docTemplate is the OpenAPI document served at /swagger/doc.json. `swag init`
// regenerates a fuller one from the handler annotations.
const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "paths": {
        "/api/worker/models": {"get": {"summary": "List registered models", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
        "/api/worker/generate_stream": {"post": {"summary": "Stream model outputs as NUL-delimited JSON frames", "consumes": ["application/json"], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad request"}, "404": {"description": "Model not found"}, "429": {"description": "Too busy"}}}},
        "/api/worker/generate": {"post": {"summary": "Generate one model output", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}, "404": {"description": "Model not found"}, "429": {"description": "Too busy"}}}},
        "/api/worker/count_token": {"post": {"summary": "Count prompt tokens", "responses": {"200": {"description": "OK"}}}},
        "/api/worker/model_metadata": {"post": {"summary": "Model metadata", "responses": {"200": {"description": "OK"}}}},
        "/api/worker/embeddings": {"post": {"summary": "Embed inputs", "responses": {"200": {"description": "OK"}}}},
        "/api/v1/chat/completions": {"post": {"summary": "Run one chat round, as SSE when stream is true", "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid input"}}}},
        "/api/v1/chat/history/{conv_uid}": {
            "get": {"summary": "Conversation history", "parameters": [{"name": "conv_uid", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}}},
            "delete": {"summary": "Delete a conversation", "parameters": [{"name": "conv_uid", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "Deleted"}}}
        },
        "/status": {"get": {"summary": "Worker status", "responses": {"200": {"description": "OK"}}}},
        "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "OK"}}}},
        "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "Ready"}, "503": {"description": "Not ready"}}}}
    }
}`

// SwaggerInfo holds the exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "modelworker API",
	Description:      "Model worker protocol and chat API.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
