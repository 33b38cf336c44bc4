package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rb3ckers/dualwrite/internal/config"
	"github.com/rb3ckers/dualwrite/internal/mirror"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-Id"

// Secondary is the detached half of a dual write.
type Secondary interface {
	Reflect(req *mirror.Request)
	Skip(req *mirror.Request)
}

// DualWriteHandler serves every request from the primary and mirrors it to
// the secondary, unless the loop guard says it was mirrored already. With
// PolicyAlways the mirror starts before the primary call and regardless of
// its fate, with PolicyPrimarySuccess only once the primary has responded.
func DualWriteHandler(guard *mirror.LoopGuard, primary *PrimaryDispatcher, secondary Secondary, maxBody int64, policy string, logger zerolog.Logger) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		id := requestID(req)
		log := logger.With().
			Str("request_id", id).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Logger()

		dualWrite := guard.Evaluate(req)

		captured, err := mirror.Capture(req, id, maxBody)
		if err != nil {
			rejectClient(res, err, maxBody, log)
			return
		}

		if !dualWrite {
			log.Debug().Msg("Request was mirrored already, serving from primary only")

			if response, ok := dispatch(req, primary, captured, log); ok {
				write(res, captured, response, log)
			}

			return
		}

		if policy == config.PolicyAlways {
			secondary.Reflect(captured)
		}

		response, ok := dispatch(req, primary, captured, log)

		if policy == config.PolicyPrimarySuccess {
			if ok && response.Result.ErrorKind == "" {
				secondary.Reflect(captured)
			} else {
				secondary.Skip(captured)
			}
		}

		if ok {
			write(res, captured, response, log)
		}
	}
}

func dispatch(req *http.Request, primary *PrimaryDispatcher, captured *mirror.Request, log zerolog.Logger) (*ClientResponse, bool) {
	response, err := primary.Dispatch(req.Context(), captured)
	if err != nil {
		log.Debug().Err(err).Msg("Client went away before the primary responded")
		return nil, false
	}

	return response, true
}

func write(res http.ResponseWriter, captured *mirror.Request, response *ClientResponse, log zerolog.Logger) {
	if err := response.WriteTo(res); err != nil {
		log.Debug().Err(err).Msg("Failed writing response to client")
	}

	outcome := captured.Outcome()

	if outcome.SetPrimary(response.Result) {
		log.Debug().Object("outcome", outcome).Msg("Dual write completed")
	} else {
		log.Trace().Object("outcome", outcome).Msg("Served")
	}
}

func rejectClient(res http.ResponseWriter, err error, maxBody int64, log zerolog.Logger) {
	if errors.Is(err, mirror.ErrPayloadTooLarge) {
		log.Info().Int64("limit", maxBody).Msg("Rejecting oversized request")
		http.Error(res, fmt.Sprintf("Request body exceeds %d bytes.", maxBody), http.StatusRequestEntityTooLarge)

		return
	}

	log.Info().Err(err).Msg("Rejecting unreadable request")
	http.Error(res, "Request body could not be read.", http.StatusBadRequest)
}

func requestID(req *http.Request) string {
	if id := req.Header.Get(RequestIDHeader); id != "" {
		return id
	}

	return uuid.NewString()
}
