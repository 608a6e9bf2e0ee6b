package graphql

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/kilupskalvis/kgserve/internal/query"
)

const maxBodyBytes = 1 << 20

var (
	errBadBody      = errors.New("request body must be a JSON object with a query")
	errBadVariables = errors.New("variables must be a JSON object")
	errBadMethod    = errors.New("only GET and POST are supported")
)

// Handler serves GraphQL over HTTP. GET carries the request in the query
// string, POST carries it as a JSON body or as an application/graphql
// document.
func Handler(q *query.Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	exec := NewExecutor(q, logger)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeRequest(r)
		if err != nil {
			writeResponse(w, http.StatusBadRequest, &Response{
				Errors: gqlerror.List{newError(CodeBadUserInput, err.Error(), nil)},
			})
			return
		}
		writeResponse(w, http.StatusOK, exec.Execute(r.Context(), req))
	})
}

func decodeRequest(r *http.Request) (Request, error) {
	var req Request
	switch r.Method {
	case http.MethodGet:
		params := r.URL.Query()
		req.Query = params.Get("query")
		req.OperationName = params.Get("operationName")
		if raw := params.Get("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
				return req, errBadVariables
			}
		}
		return req, nil

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return req, errBadBody
		}
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/graphql" {
			req.Query = string(body)
			return req, nil
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return req, errBadBody
		}
		return req, nil
	}
	return req, errBadMethod
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		http.Error(w, `{"errors":[{"message":"encode response"}]}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes()) //nolint:errcheck
}
