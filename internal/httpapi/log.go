package httpapi

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

func logError(ctx context.Context, msg string, err error) {
	if err == nil {
		return
	}
	ev := log.Error().Err(err).Str("component", "httpapi")
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		ev = ev.Str("req_id", reqID)
	}
	ev.Msg(msg)
}

func logErrorNoCtx(msg string, err error) {
	if err == nil {
		return
	}
	log.Error().Err(err).Str("component", "httpapi").Msg(msg)
}

func logMsg(ctx context.Context, msg string) {
	ev := log.Info().Str("component", "httpapi")
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		ev = ev.Str("req_id", reqID)
	}
	ev.Msg(msg)
}
