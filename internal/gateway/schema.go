package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const turnRequestSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "session_id": {"type": "string"}
  },
  "required": ["message"],
  "additionalProperties": false
}`

type schemaRegistry struct {
	once    sync.Once
	initErr error
	turn    *jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("turn_request.json", turnRequestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.turn = compiled
	})
	return schemas.initErr
}

// turnRequest is the body of POST /v1/turns and the first WebSocket frame.
type turnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

var errInvalidRequest = errors.New("invalid request")

// decodeTurnRequest validates raw against the turn schema before decoding it.
func decodeTurnRequest(raw []byte) (turnRequest, error) {
	var req turnRequest
	if err := initSchemas(); err != nil {
		return req, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return req, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := schemas.turn.Validate(payload); err != nil {
		return req, fmt.Errorf("%w: %s", errInvalidRequest, validationMessage(err))
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	return req, nil
}

// validationMessage flattens a schema error to its most specific cause.
func validationMessage(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if verr.InstanceLocation == "" {
		return verr.Message
	}
	return verr.InstanceLocation + ": " + verr.Message
}
