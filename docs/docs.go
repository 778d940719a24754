// Package docs registers the OpenAPI description served at /docs.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {"name": "alphawatch"},
        "license": {"name": "MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/events": {
            "post": {
                "description": "Accepts a JSON list of event records (or an object with an events list) and upserts them by identity. The upsert signals the evaluator, which ticks immediately.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["events"],
                "summary": "Ingest events",
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "501": {"description": "Not Implemented", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/ledger": {
            "get": {
                "description": "Returns the ledger entry for a task key and, when attempts are persisted, its latest delivery attempts.",
                "produces": ["application/json"],
                "tags": ["ledger"],
                "summary": "Inspect a reminder",
                "parameters": [
                    {"type": "string", "description": "Task key, e.g. ALPHA|10:00|30|voice", "name": "key", "in": "query", "required": true},
                    {"type": "integer", "default": 20, "description": "Maximum attempts to return", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.LedgerEntryResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            },
            "delete": {
                "description": "Deletes the ledger entry for a task key. The next tick that finds the reminder due fires it again; this is how an operator retries a failed reminder.",
                "produces": ["application/json"],
                "tags": ["ledger"],
                "summary": "Release a reminder",
                "parameters": [
                    {"type": "string", "description": "Task key", "name": "key", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/tick": {
            "get": {
                "description": "Returns the report of the most recent tick, scheduled or triggered.",
                "produces": ["application/json"],
                "tags": ["tick"],
                "summary": "Last tick",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.TickResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            },
            "post": {
                "description": "Loads the current snapshot and evaluates it immediately. Returns 409 when a tick is already running.",
                "produces": ["application/json"],
                "tags": ["tick"],
                "summary": "Run a tick",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.TickResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "respond.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {
                    "type": "object",
                    "properties": {
                        "code": {"type": "string"},
                        "message": {"type": "string"},
                        "detail": {"type": "string"}
                    }
                }
            }
        },
        "handler.LedgerEntryResponse": {
            "type": "object",
            "properties": {
                "entry": {"type": "object", "additionalProperties": true},
                "expired": {"type": "boolean"},
                "attempts": {"type": "array", "items": {"type": "object", "additionalProperties": true}}
            }
        },
        "handler.TickResponse": {
            "type": "object",
            "properties": {
                "evaluated_at": {"type": "string"},
                "summary": {"type": "string"},
                "report": {"type": "object", "additionalProperties": true},
                "error": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:8000",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "alphawatch operator API",
	Description:      "Listing reminder engine: ingest events, inspect and release ledger entries, trigger evaluation ticks.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
