package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/utils"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/validator"
)

// maxBodyBytes bounds request bodies; a pull of 10k hashes fits easily
const maxBodyBytes = 2 << 20

// decodeAndValidate reads a JSON body into v and validates it. On failure
// the error response has been written and false is returned.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, val *validator.Validator, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		utils.WriteError(w, errors.BadRequest("Invalid request body"))
		return false
	}
	if verrs := val.Validate(v); len(verrs) > 0 {
		utils.WriteError(w, errors.BadRequest("Validation failed").WithDetails(verrs))
		return false
	}
	return true
}
