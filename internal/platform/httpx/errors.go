package httpx

import (
	"errors"
	"net/http"

	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

// RespondError maps engine errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var engineErr *shared.Error
	if errors.As(err, &engineErr) {
		switch engineErr.Kind {
		case shared.KindValidation:
			problemWithRefs(w, http.StatusBadRequest, "Validation Failed", engineErr)
		case shared.KindConflict:
			problemWithRefs(w, http.StatusConflict, "Conflict", engineErr)
		case shared.KindNotFound:
			problemWithRefs(w, http.StatusNotFound, "Not Found", engineErr)
		case shared.KindState:
			problemWithRefs(w, http.StatusUnprocessableEntity, "Invalid State", engineErr)
		default:
			Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

func problemWithRefs(w http.ResponseWriter, status int, title string, err *shared.Error) {
	JSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: err.Msg,
		Refs:   err.Refs,
	})
}
