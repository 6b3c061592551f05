package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SIS Enrollment API",
        "description": "Scheduling and enrollment engine for academic terms",
        "version": "0.1.0"
    },
    "basePath": "/",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Terms", "description": "Academic term management"},
        {"name": "Sections", "description": "Section scheduling and timetables"},
        {"name": "Registrations", "description": "Student enrollment lifecycle"},
        {"name": "Lifecycle", "description": "Section lifecycle synchronisation"}
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
        "/terms": {
            "get": {
                "tags": ["Terms"],
                "summary": "List terms",
                "parameters": [
                    {"name": "academicYear", "in": "query", "type": "string"},
                    {"name": "isCurrent", "in": "query", "type": "boolean"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "Terms", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Terms"],
                "summary": "Create term",
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/current": {
            "get": {
                "tags": ["Terms"],
                "summary": "Get current term",
                "responses": {
                    "200": {"description": "Current term", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "No current term", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/{id}": {
            "get": {
                "tags": ["Terms"],
                "summary": "Get term",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Term", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Terms"],
                "summary": "Update term",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Updated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Terms"],
                "summary": "Delete term",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "204": {"description": "Deleted"},
                    "412": {"description": "Term is current or has registrations", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/{id}/set-current": {
            "post": {
                "tags": ["Terms"],
                "summary": "Promote a term to current",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Promoted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/{id}/complete": {
            "post": {
                "tags": ["Terms"],
                "summary": "Close a term, completing approved registrations",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Completion report", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sections": {
            "get": {
                "tags": ["Sections"],
                "summary": "List sections",
                "parameters": [
                    {"name": "termId", "in": "query", "type": "string"},
                    {"name": "subjectId", "in": "query", "type": "string"},
                    {"name": "teacherId", "in": "query", "type": "string"},
                    {"name": "isActive", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "Sections", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Sections"],
                "summary": "Create section",
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Classroom or teacher conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sections/{id}": {
            "get": {
                "tags": ["Sections"],
                "summary": "Get section",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Section", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Sections"],
                "summary": "Update section",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Updated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Classroom or teacher conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sections/{id}/schedule": {
            "get": {
                "tags": ["Sections"],
                "summary": "Expand weekly slots into calendar dates",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "termId", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Session occurrences", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sections/{id}/schedule/export": {
            "get": {
                "tags": ["Sections"],
                "summary": "Download expanded timetable as CSV or PDF",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "termId", "in": "query", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "Timetable file"}
                }
            }
        },
        "/registrations": {
            "get": {
                "tags": ["Registrations"],
                "summary": "List registrations",
                "parameters": [
                    {"name": "studentId", "in": "query", "type": "string"},
                    {"name": "sectionId", "in": "query", "type": "string"},
                    {"name": "termId", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "flagged", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "Registrations", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Registrations"],
                "summary": "Register a student into a section",
                "responses": {
                    "201": {"description": "Pending registration", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Section full or duplicate subject", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Registration window closed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Credit limit exceeded", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/registrations/{id}/switch": {
            "post": {
                "tags": ["Registrations"],
                "summary": "Atomically replace a registration with one in another section",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "201": {"description": "Replacement registration", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Target section full", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/registrations/{id}/approve": {
            "post": {
                "tags": ["Registrations"],
                "summary": "Approve a pending registration",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Approved", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/registrations/{id}/reject": {
            "post": {
                "tags": ["Registrations"],
                "summary": "Reject a pending registration (admin)",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Rejected", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/registrations/{id}/request-rejection": {
            "post": {
                "tags": ["Registrations"],
                "summary": "Request rejection of a pending registration (teacher)",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Request recorded", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/registrations/{id}/drop": {
            "post": {
                "tags": ["Registrations"],
                "summary": "Drop an active registration",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Dropped", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/lifecycle/sync": {
            "post": {
                "tags": ["Lifecycle"],
                "summary": "Run one lifecycle pass over a term",
                "parameters": [{"name": "termId", "in": "query", "type": "string"}],
                "responses": {
                    "200": {"description": "Sync report", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
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
                "pagination": {"$ref": "#/definitions/Pagination"},
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
