package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "GT Enrollment Insights API",
        "description": "Asynchronous course-enrollment query jobs over the GT scheduler feeds",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Enrollment", "description": "Enrollment query jobs"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Ready"}
                }
            }
        },
        "/enrollment": {
            "post": {
                "tags": ["Enrollment"],
                "summary": "Submit an enrollment query job",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/GenerateRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollment/jobs/{id}/status": {
            "get": {
                "tags": ["Enrollment"],
                "summary": "Poll job status",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollment/export/{token}": {
            "get": {
                "tags": ["Enrollment"],
                "summary": "Download a job result by signed token",
                "produces": ["text/csv"],
                "parameters": [
                    {"name": "token", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "CSV stream"},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "GenerateRequest": {
            "type": "object",
            "properties": {
                "num_terms": {"type": "integer"},
                "subjects": {"type": "array", "items": {"type": "string"}},
                "ranges": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/CourseRange"}
                },
                "skip_summer": {"type": "boolean"},
                "group_data": {"type": "string", "enum": ["none", "grouped", "both"]}
            },
            "required": ["num_terms"]
        },
        "CourseRange": {
            "type": "array",
            "items": {"type": "integer"},
            "minItems": 2,
            "maxItems": 2
        },
        "SubmitResponse": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string"},
                "status": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "JobResult": {
            "type": "object",
            "properties": {
                "file_name": {"type": "string"},
                "csv_data": {"type": "string"},
                "download_url": {"type": "string"}
            }
        },
        "StatusResponse": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string"},
                "status": {"type": "string"},
                "progress": {"type": "integer"},
                "message": {"type": "string"},
                "result": {"$ref": "#/definitions/JobResult"},
                "error_message": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
