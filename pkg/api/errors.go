package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/homelabcmd/hub/pkg/actions"
	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/configpack"
	"github.com/homelabcmd/hub/pkg/heartbeat"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/tokens"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
		}
	}
}

// writeError maps a core error onto the HTTP surface
func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= 500 {
		log.WithComponent("api").Error().Err(err).Msg("internal error")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func classify(err error) (int, string) {
	var (
		validationErr *heartbeat.ValidationError
		serviceErr    *actions.InvalidServiceNameError
		packageErr    *actions.InvalidPackageNameError
		actionTypeErr *actions.UnknownActionTypeError
		loadErr       *configpack.LoadError
	)

	switch {
	case errors.As(err, &validationErr), errors.As(err, &serviceErr), errors.As(err, &packageErr):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, heartbeat.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, heartbeat.ErrServerInactive),
		errors.Is(err, tokens.ErrAlreadyClaimed),
		errors.Is(err, actions.ErrReadonlyServer),
		errors.Is(err, actions.ErrInactiveServer),
		errors.Is(err, actions.ErrActionConflict),
		errors.Is(err, actions.ErrNotPending),
		errors.Is(err, configpack.ErrApplyRunning):
		return http.StatusConflict, "conflict"
	case errors.As(err, &actionTypeErr):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, alerting.ErrAlreadyResolved):
		return http.StatusBadRequest, "bad_request"
	case errors.As(err, &loadErr):
		return http.StatusBadRequest, "config_pack_error"
	}
	return http.StatusInternalServerError, "internal"
}
