package runner

import (
	"encoding/json"
	"errors"

	"llmproxy/internal/tool"
)

type toolFailure struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// errorContent renders a dispatch error as the JSON text sent back to the model.
func errorContent(err error) string {
	failure := toolFailure{Error: err.Error(), Kind: "execution"}

	var (
		argErr      *tool.ArgumentError
		notFoundErr *tool.NotFoundError
	)
	switch {
	case errors.As(err, &argErr):
		failure.Kind = "invalid_arguments"
	case errors.As(err, &notFoundErr):
		failure.Kind = "unknown_tool"
	}

	out, _ := json.Marshal(failure)
	return string(out)
}
