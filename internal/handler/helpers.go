package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/auth"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/idempotency"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
	"github.com/vasiliy-maslov/storefront/internal/order"
)

const (
	CodeValidation         = "validation_error"
	CodeInvalidID          = "invalid_id"
	CodeInvalidStatus      = "invalid_status"
	CodeInvalidTransition  = "invalid_status_transition"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeProductUnavailable = "product_unavailable"
	CodeInsufficientStock  = "insufficient_stock"
	CodeIdempotency        = "idempotency_conflict"
	CodeIdempotencyReused  = "idempotency_key_reused"
	CodeInternal           = "internal_error"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error","message":"failed to marshal response"}`))
		return
	}
	respondWithRaw(w, code, response)
}

func respondWithRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondWithCode(w http.ResponseWriter, status int, code, message string, details any) {
	respondWithJSON(w, status, ErrorResponse{Error: code, Message: message, Details: details})
}

// respondWithError maps a domain error to its status, code and details.
func respondWithError(w http.ResponseWriter, err error) {
	status, code := mapErrorToStatusCode(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	respondWithCode(w, status, code, message, errorDetails(err))
}

// RespondAuthError writes the response for a rejected bearer token.
func RespondAuthError(w http.ResponseWriter, err error) {
	respondWithError(w, err)
}

func mapErrorToStatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrValidation),
		errors.Is(err, inventory.ErrNoLines),
		errors.Is(err, inventory.ErrInvalidLine),
		errors.Is(err, idempotency.ErrInvalidKey):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, order.ErrInvalidID):
		return http.StatusBadRequest, CodeInvalidID
	case errors.Is(err, order.ErrInvalidStatus):
		return http.StatusBadRequest, CodeInvalidStatus
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, catalog.ErrProductNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, inventory.ErrProductUnavailable),
		errors.Is(err, catalog.ErrProductInactive):
		return http.StatusConflict, CodeProductUnavailable
	case errors.Is(err, catalog.ErrInsufficientStock):
		return http.StatusConflict, CodeInsufficientStock
	case errors.Is(err, order.ErrInvalidStatusTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict, CodeIdempotency
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusConflict, CodeIdempotencyReused
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func errorDetails(err error) any {
	var insufficient *inventory.InsufficientStockError
	if errors.As(err, &insufficient) {
		return map[string]any{
			"product_id": insufficient.ProductID,
			"name":       insufficient.Name,
			"available":  insufficient.Available,
			"requested":  insufficient.Requested,
		}
	}

	var unavailable *inventory.UnavailableError
	if errors.As(err, &unavailable) {
		return map[string]any{
			"product_id": unavailable.ProductID,
			"name":       unavailable.Name,
		}
	}

	var notFound *inventory.NotFoundError
	if errors.As(err, &notFound) {
		return map[string]any{"product_id": notFound.ProductID}
	}

	return nil
}

// newValidator returns a validator with the "uuid_ci" tag, which accepts
// any UUID spelling the path parameters accept, upper case included.
func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("uuid_ci", func(fl validator.FieldLevel) bool {
		_, err := uuid.FromString(fl.Field().String())
		return err == nil
	})
	return validate
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		switch fe.Tag() {
		case "required":
			details[field] = "is required"
		case "min":
			details[field] = "must have at least " + fe.Param() + " element(s)"
		case "gt":
			details[field] = "must be greater than " + fe.Param()
		case "uuid", "uuid_ci":
			details[field] = "must be a valid UUID"
		case "max":
			details[field] = "must be at most " + fe.Param() + " characters"
		default:
			details[field] = "failed on " + fe.Tag()
		}
	}
	return details
}

// decodeAndValidate reads a JSON body into dst and runs struct validation,
// writing the error response itself when it returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request body")
		respondWithCode(w, http.StatusBadRequest, CodeValidation, "invalid request payload", map[string]string{"body": err.Error()})
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		respondWithCode(w, http.StatusBadRequest, CodeValidation, "invalid request payload", map[string]string{"body": "extra data after json"})
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithCode(w, http.StatusBadRequest, CodeValidation, "validation failed", formatValidationErrors(validationErrors))
			return false
		}
		log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
		respondWithCode(w, http.StatusInternalServerError, CodeInternal, "internal validation error", nil)
		return false
	}

	return true
}

func callerFrom(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		respondWithError(w, auth.ErrUnauthorized)
		return auth.Identity{}, false
	}
	return caller, true
}
